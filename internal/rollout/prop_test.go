package rollout

import (
	"testing"

	"pgregory.net/rapid"
)

func TestBucket_Properties(t *testing.T) {
	t.Run("range and determinism", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			subject := rapid.String().Draw(t, "subject")
			flagKey := rapid.StringMatching(`[a-z][a-z0-9-]{0,30}`).Draw(t, "flagKey")

			b1 := Bucket(subject, flagKey, DefaultSalt)
			b2 := Bucket(subject, flagKey, DefaultSalt)

			if b1 != b2 {
				t.Fatalf("bucket changed between calls: %d then %d", b1, b2)
			}
			if b1 < 0 || b1 > 99 {
				t.Fatalf("bucket %d outside [0,99]", b1)
			}
		})
	})

	t.Run("monotonic inclusion", func(t *testing.T) {
		rapid.Check(t, func(t *rapid.T) {
			subject := rapid.String().Draw(t, "subject")
			flagKey := rapid.StringMatching(`[a-z][a-z0-9-]{0,30}`).Draw(t, "flagKey")
			low := rapid.IntRange(0, 100).Draw(t, "low")
			high := rapid.IntRange(low, 100).Draw(t, "high")

			atLow, err := Included(subject, flagKey, low, DefaultSalt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			atHigh, err := Included(subject, flagKey, high, DefaultSalt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if atLow && !atHigh {
				t.Fatalf("subject included at %d but excluded at %d", low, high)
			}
		})
	})
}
