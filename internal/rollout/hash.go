// Package rollout provides deterministic subject bucketing for progressive
// feature rollouts.
package rollout

import (
	"github.com/cespare/xxhash/v2"
)

// AnonymousKey is the final fallback when a context carries neither an
// identity nor a session identifier. All anonymous traffic lands in one
// bucket per flag, so an anonymous population is either fully in or fully
// out of a partial rollout.
const AnonymousKey = "anonymous"

// DefaultSalt seeds the bucketing hash. It must stay stable across process
// restarts or previously-included subjects would be reshuffled.
const DefaultSalt = "gorollout-v1"

// SubjectKey resolves the hashing subject for a request: the identity when
// present, otherwise the session identifier, otherwise AnonymousKey.
func SubjectKey(identity, sessionID string) string {
	if identity != "" {
		return identity
	}
	if sessionID != "" {
		return sessionID
	}
	return AnonymousKey
}

// Bucket returns a deterministic bucket (0-99) for the given subject and
// flag. The same subject + flagKey + salt combination always returns the
// same bucket, across calls and across process restarts.
func Bucket(subject, flagKey, salt string) int {
	if subject == "" {
		subject = AnonymousKey
	}
	key := subject + ":" + flagKey + ":" + salt
	hash := xxhash.Sum64String(key)
	return int(hash % 100)
}
