package app

import "time"

// Permission is the role a collaborator holds on an app.
type Permission string

const (
	// PermissionOwner marks the single owning collaborator of an app.
	PermissionOwner Permission = "Owner"
	// PermissionCollaborator marks a non-owning collaborator.
	PermissionCollaborator Permission = "Collaborator"
)

// Collaborator links an account to an app with a permission. The map key on
// App is the collaborator's email.
type Collaborator struct {
	AccountID  string     `json:"account_id"`
	Permission Permission `json:"permission"`
}

// App is a client application owned by exactly one account and shared with
// zero or more collaborators. Exactly one collaborator holds PermissionOwner
// at all times.
type App struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Collaborators map[string]Collaborator `json:"collaborators"`
	CreatedTime   time.Time               `json:"created_time"`
}

// Owner returns the email of the owning collaborator, or "" when the app has
// no collaborators at all (never the case for a stored app).
func (a App) Owner() string {
	for email, collab := range a.Collaborators {
		if collab.Permission == PermissionOwner {
			return email
		}
	}
	return ""
}

// CloneCollaborators returns a copy of the collaborator map.
func CloneCollaborators(src map[string]Collaborator) map[string]Collaborator {
	if src == nil {
		return nil
	}
	dst := make(map[string]Collaborator, len(src))
	for email, collab := range src {
		dst[email] = collab
	}
	return dst
}
