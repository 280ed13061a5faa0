// Package rollout decides whether a given client falls inside a staged
// release percentage. The decision is a pure function of the client id and
// the release identity, so a client keeps its answer for the lifetime of a
// release and new releases reshuffle the population.
package rollout

import "hash/fnv"

// IsUnfinished reports whether a rollout value denotes a partial release.
// nil and 100 both mean fully rolled out.
func IsUnfinished(rollout *int) bool {
	return rollout != nil && *rollout != 100
}

// ReleaseID derives the identity a rollout decision is keyed on. The label
// is preferred; unlabeled packages fall back to their content hash.
func ReleaseID(label, packageHash string) string {
	if label != "" {
		return label
	}
	return packageHash
}

// IsSelected reports whether clientID falls inside the rollout percentage
// for the given release. rollout is clamped to [0, 100]; a client selected
// at N stays selected for every M >= N of the same release.
func IsSelected(clientID, releaseID string, rollout int) bool {
	if rollout >= 100 {
		return true
	}
	if rollout <= 0 {
		return false
	}
	return bucket(clientID, releaseID) < uint32(rollout)
}

func bucket(clientID, releaseID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	h.Write([]byte(releaseID))
	return h.Sum32() % 100
}
