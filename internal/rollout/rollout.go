package rollout

import "errors"

// ErrInvalidRollout is returned when the rollout percentage is not in the valid range (0-100).
var ErrInvalidRollout = errors.New("rollout must be between 0 and 100")

// InBucket reports whether a bucket falls inside a rollout percentage.
// Inclusion depends only on the fixed bucket versus a rising threshold, so
// raising the percentage only ever adds subjects, never removes them.
func InBucket(rollout, bucket int) bool {
	return bucket < rollout
}

// Included determines if a subject is inside a feature rollout.
//
// Algorithm:
//  1. Hash(subject + flagKey + salt) -> bucket (0-99)
//  2. If bucket < rollout percentage, the subject is included
//
// Special cases:
//   - rollout=0: always false (disabled for all)
//   - rollout=100: always true (enabled for all)
//
// Example: rollout=25 means ~25% of subjects see the feature. Increasing
// rollout from 25 to 50 adds subjects without removing existing ones.
func Included(subject, flagKey string, rollout int, salt string) (bool, error) {
	if rollout < 0 || rollout > 100 {
		return false, ErrInvalidRollout
	}
	if rollout == 0 {
		return false, nil // Fast path: disabled for everyone
	}
	if rollout == 100 {
		return true, nil // Fast path: enabled for everyone
	}

	bucket := Bucket(subject, flagKey, salt)
	return InBucket(rollout, bucket), nil
}
