// Package registry holds the in-memory view of flag definitions and answers
// "is this flag on for this context". Reads go through an immutable snapshot
// swapped atomically on every mutation, so evaluation never blocks on
// writers.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gorollout/internal/rollout"
	"github.com/TimurManjosov/gorollout/internal/store"
)

// Snapshot is an immutable view of all flag definitions at one point in
// time. The ETag changes whenever any flag changes.
type Snapshot struct {
	ETag      string                       `json:"etag"`
	Flags     map[string]store.FeatureFlag `json:"flags"`
	UpdatedAt time.Time                    `json:"updatedAt"`
}

// Registry owns flag definitions. All mutations persist through the backing
// store, rebuild the snapshot, and notify subscribers with the changed flag
// key (subscribers use it to invalidate cached evaluations by prefix).
type Registry struct {
	store          store.Store
	salt           string
	defaultEnabled bool
	log            zerolog.Logger

	current atomic.Pointer[Snapshot]

	// mu serializes mutations; reads never take it.
	mu sync.Mutex

	stats sync.Map // flag key -> *statsCell

	subsMu sync.Mutex
	subs   map[chan string]struct{}
}

// Options configures a Registry.
type Options struct {
	// Salt seeds the rollout bucketing hash. Defaults to rollout.DefaultSalt.
	Salt string
	// DefaultEnabled is returned for unknown flag keys.
	DefaultEnabled bool
	Logger         zerolog.Logger
}

// New creates a Registry over the given store and loads the initial
// snapshot.
func New(ctx context.Context, st store.Store, opts Options) (*Registry, error) {
	if opts.Salt == "" {
		opts.Salt = rollout.DefaultSalt
	}

	r := &Registry{
		store:          st,
		salt:           opts.Salt,
		defaultEnabled: opts.DefaultEnabled,
		log:            opts.Logger,
		subs:           make(map[chan string]struct{}),
	}

	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the active snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	snap := r.current.Load()
	if snap == nil {
		return &Snapshot{Flags: map[string]store.FeatureFlag{}, UpdatedAt: time.Now().UTC()}
	}
	return snap
}

// Get returns the flag definition for key from the current snapshot.
func (r *Registry) Get(key string) (store.FeatureFlag, bool) {
	flag, ok := r.Current().Flags[key]
	return flag, ok
}

// All returns every flag definition in the current snapshot, sorted by key.
func (r *Registry) All() []store.FeatureFlag {
	snap := r.Current()
	flags := make([]store.FeatureFlag, 0, len(snap.Flags))
	for _, flag := range snap.Flags {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags
}

// Reload rebuilds the snapshot from the backing store and notifies
// subscribers that everything may have changed.
func (r *Registry) Reload(ctx context.Context) error {
	flags, err := r.store.GetAllFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flags: %w", err)
	}

	r.mu.Lock()
	r.current.Store(buildSnapshot(flags))
	r.mu.Unlock()

	r.log.Info().Int("flags", len(flags)).Msg("flag snapshot reloaded")
	r.publish("")
	return nil
}

// Subscribe registers a change listener. The channel carries the key of
// each changed flag; an empty string means a bulk reload. The second return
// value unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 16)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	unsub := func() {
		r.subsMu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.subsMu.Unlock()
	}
	return ch, unsub
}

// publish notifies all listeners (non-blocking).
func (r *Registry) publish(key string) {
	r.subsMu.Lock()
	for ch := range r.subs {
		select {
		case ch <- key:
		default: // slow subscriber, skip instead of blocking
		}
	}
	r.subsMu.Unlock()
}

// buildSnapshot assembles an immutable snapshot with a content ETag.
func buildSnapshot(flags []store.FeatureFlag) *Snapshot {
	byKey := make(map[string]store.FeatureFlag, len(flags))
	for _, flag := range flags {
		byKey[flag.Key] = flag
	}

	blob, _ := json.Marshal(byKey)
	sum := sha256.Sum256(blob)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`

	return &Snapshot{ETag: etag, Flags: byKey, UpdatedAt: time.Now().UTC()}
}
