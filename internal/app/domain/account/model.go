package account

import "time"

// Account represents a tenant that owns apps and collaborates on others.
// Emails are unique case-insensitively across the store.
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	GitHubID    string    `json:"github_id,omitempty"`
	MicrosoftID string    `json:"microsoft_id,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

// AccessKey is a management credential issued to an account.
type AccessKey struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	FriendlyName string    `json:"friendly_name"`
	CreatedBy    string    `json:"created_by"`
	CreatedTime  time.Time `json:"created_time"`
	Expires      time.Time `json:"expires,omitempty"`
	IsSession    bool      `json:"is_session,omitempty"`
}
