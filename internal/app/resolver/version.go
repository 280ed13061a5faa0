package resolver

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/airlift-ota/airlift/internal/errors"
)

var (
	bareInteger  = regexp.MustCompile(`^\d+$`)
	twoComponent = regexp.MustCompile(`^(\d+\.\d+)([+-].*)?$`)
	versionToken = regexp.MustCompile(`\d+(?:\.\d+){0,2}(?:-[0-9A-Za-z.-]+)?`)
)

// NormalizeVersion widens partial client versions to full semver so they
// can be matched against release ranges. "2" becomes "2.0.0" and
// "2.0-beta" becomes "2.0.0-beta"; anything already full-length passes
// through untouched.
func NormalizeVersion(raw string) string {
	v := strings.TrimSpace(raw)
	if bareInteger.MatchString(v) {
		return v + ".0.0"
	}
	if m := twoComponent.FindStringSubmatch(v); m != nil {
		return m[1] + ".0" + m[2]
	}
	return v
}

func parseClientVersion(raw string) (*semver.Version, error) {
	v, err := semver.NewVersion(NormalizeVersion(raw))
	if err != nil {
		return nil, errors.Malformedf("invalid app version %q", raw)
	}
	return v, nil
}

// satisfiesRange reports whether the client version is covered by a
// release's declared binary range. A plain version declares an exact
// match; anything else is parsed as a constraint expression.
func satisfiesRange(rangeStr string, client *semver.Version) bool {
	if exact, err := semver.NewVersion(NormalizeVersion(rangeStr)); err == nil {
		return exact.Equal(client)
	}
	constraint, err := semver.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(client)
}

// rangeRequiresNewerBinary reports whether every version in the release's
// range sits above the client's binary version, meaning the client has to
// update the app itself before any package applies. The lower bound is
// taken as the smallest version literal in the range expression, which
// holds for the caret, tilde, wildcard and comparison forms clients use.
func rangeRequiresNewerBinary(rangeStr string, client *semver.Version) bool {
	if exact, err := semver.NewVersion(NormalizeVersion(rangeStr)); err == nil {
		return exact.GreaterThan(client)
	}

	var lowest *semver.Version
	for _, token := range versionToken.FindAllString(rangeStr, -1) {
		v, err := semver.NewVersion(NormalizeVersion(token))
		if err != nil {
			continue
		}
		if lowest == nil || v.LessThan(lowest) {
			lowest = v
		}
	}
	return lowest != nil && lowest.GreaterThan(client)
}
