package beeps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// maxSyncBackoff caps the retry delay after repeated transport failures.
const maxSyncBackoff = 5 * time.Minute

// Replica is the client-side controller: it owns the local document,
// drives scheduling on a timer, reconciles with the sync server, and
// persists the document between runs. All user-visible edits go through
// it so that nothing is acknowledged before it is durable.
type Replica struct {
	cfg    ReplicaConfig
	client *SyncClient

	mu         sync.Mutex
	doc        *Document
	watermarks map[NodeID]Watermark
	unpushed   []TimestampedOp
	surfaced   map[time.Time]struct{}

	// OnPing is called for each ping as its instant becomes current.
	// Set it before Run.
	OnPing func(when time.Time)

	failures   int
	nextSyncAt time.Time
	syncNow    chan struct{}
}

// NewReplica loads the persisted document at cfg.StatePath, creating an
// empty one with a fresh node ID if the file does not exist.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultReplicaConfig().SyncInterval
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = DefaultReplicaConfig().PromoteInterval
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultReplicaConfig().Horizon
	}

	r := &Replica{
		cfg:      cfg,
		surfaced: make(map[time.Time]struct{}),
		syncNow:  make(chan struct{}, 1),
	}

	data, err := os.ReadFile(cfg.StatePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.doc = NewDocument(RandomNodeID())
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	default:
		doc, err := ParseDocument(data)
		if err != nil {
			return nil, err
		}
		r.doc = doc
	}

	r.watermarks = r.doc.Watermarks()
	// The server may not have everything we produced before the last
	// shutdown; offer the whole local history once. Pushes are
	// deduplicated by clock, so this is merely redundant, never wrong.
	for _, top := range r.doc.Ops() {
		if top.Clock.Node == r.doc.NodeID() {
			r.unpushed = append(r.unpushed, top)
		}
	}

	if cfg.Server != "" {
		r.client = NewSyncClient(cfg.Server)
		r.client.Token = cfg.Token
	}

	return r, nil
}

// NodeID returns the local node's ID.
func (r *Replica) NodeID() NodeID {
	return r.doc.NodeID()
}

// State returns a snapshot of the document state.
func (r *Replica) State() State {
	return r.doc.View()
}

// Client returns the sync client, or nil when syncing is disabled.
func (r *Replica) Client() *SyncClient {
	return r.client
}

// Tag labels an existing ping and persists before returning.
func (r *Replica) Tag(when time.Time, tag string) error {
	return r.edit(func() (TimestampedOp, error) {
		return r.doc.SetTag(when, &tag)
	})
}

// Untag clears the label on an existing ping and persists before
// returning.
func (r *Replica) Untag(when time.Time) error {
	return r.edit(func() (TimestampedOp, error) {
		return r.doc.SetTag(when, nil)
	})
}

// SetMinutesPerPing changes the ping rate and persists before returning.
func (r *Replica) SetMinutesPerPing(minutes int) error {
	return r.edit(func() (TimestampedOp, error) {
		return r.doc.SetMinutesPerPing(minutes)
	})
}

func (r *Replica) edit(apply func() (TimestampedOp, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	top, err := apply()
	if err != nil {
		return err
	}
	r.unpushed = append(r.unpushed, top)
	r.observe(top)
	return r.persistLocked()
}

// observe advances the watermark map past an applied op. Callers hold
// r.mu.
func (r *Replica) observe(top TimestampedOp) {
	node := top.Clock.Node
	r.watermarks[node] = r.watermarks[node].Advance(top.Clock)
}

// Schedule extends the ping set through now+horizon and persists if
// anything was added. Returns the newly scheduled instants.
func (r *Replica) Schedule(now time.Time) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tops := r.doc.SchedulePings(now, now.Add(r.cfg.Horizon))
	if len(tops) == 0 {
		return nil, nil
	}

	instants := make([]time.Time, 0, len(tops))
	for _, top := range tops {
		r.unpushed = append(r.unpushed, top)
		r.observe(top)
		instants = append(instants, top.Op.When)
	}
	return instants, r.persistLocked()
}

// persistLocked writes the document atomically: temp file in the same
// directory, fsync, rename. Callers hold r.mu.
func (r *Replica) persistLocked() error {
	if r.cfg.StatePath == "" {
		return nil
	}

	data, err := r.doc.Serialize()
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".beeps-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.cfg.StatePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Sync pushes pending local ops and pulls everything above the local
// watermarks, applying and persisting the result.
func (r *Replica) Sync(ctx context.Context) error {
	if r.client == nil {
		return nil
	}

	r.mu.Lock()
	pending := make([]TimestampedOp, len(r.unpushed))
	copy(pending, r.unpushed)
	since := make(map[NodeID]Watermark, len(r.watermarks))
	for node, wm := range r.watermarks {
		since[node] = wm
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		if err := r.client.Push(ctx, pending); err != nil {
			return err
		}
		r.mu.Lock()
		// Edits made while the push was in flight stay queued.
		r.unpushed = r.unpushed[len(pending):]
		r.mu.Unlock()
	}

	ops, err := r.client.Pull(ctx, since)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for _, top := range ops {
		if r.doc.Apply(top) {
			applied++
		}
		r.observe(top)
	}
	if applied == 0 {
		return nil
	}

	slog.Debug("applied remote ops", "count", applied)
	return r.persistLocked()
}

// promote surfaces pings whose instant has passed and have not been
// shown yet.
func (r *Replica) promote(now time.Time) {
	r.mu.Lock()
	state := r.doc.View()
	callback := r.OnPing

	var due []time.Time
	for _, when := range state.SortedPings() {
		if when.After(now) {
			break
		}
		if _, done := r.surfaced[when]; done {
			continue
		}
		r.surfaced[when] = struct{}{}
		due = append(due, when)
	}
	r.mu.Unlock()

	if callback == nil {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	for _, when := range due {
		callback(when)
	}
}

// MarkSurfaced records pings that were already shown to the user in a
// previous run, so Run does not replay them.
func (r *Replica) MarkSurfaced(upTo time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, when := range r.doc.View().SortedPings() {
		if !when.After(upTo) {
			r.surfaced[when] = struct{}{}
		}
	}
}

// RequestSync asks the run loop for an immediate sync, used by the watch
// socket. Safe to call from any goroutine; coalesces.
func (r *Replica) RequestSync() {
	select {
	case r.syncNow <- struct{}{}:
	default:
	}
}

// Run drives the replica until ctx is canceled: scheduling and syncing
// on the sync interval, promoting due pings on the promote interval, and
// syncing immediately when the watch socket reports remote ops.
// Transport failures back off exponentially and never drop local edits.
func (r *Replica) Run(ctx context.Context) error {
	if _, err := r.Schedule(time.Now()); err != nil {
		return err
	}

	if r.cfg.Watch && r.client != nil {
		go r.runWatch(ctx)
	}

	syncTicker := time.NewTicker(r.cfg.SyncInterval)
	defer syncTicker.Stop()
	promoteTicker := time.NewTicker(r.cfg.PromoteInterval)
	defer promoteTicker.Stop()

	r.syncTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-promoteTicker.C:
			r.promote(time.Now())
		case <-syncTicker.C:
			if _, err := r.Schedule(time.Now()); err != nil {
				return err
			}
			r.syncTick(ctx)
		case <-r.syncNow:
			r.syncTick(ctx)
		}
	}
}

// syncTick runs one sync attempt, respecting the failure backoff.
func (r *Replica) syncTick(ctx context.Context) {
	if r.client == nil || time.Now().Before(r.nextSyncAt) {
		return
	}

	if err := r.Sync(ctx); err != nil {
		r.failures++
		delay := min(time.Second<<min(r.failures-1, 10), maxSyncBackoff)
		r.nextSyncAt = time.Now().Add(delay)
		slog.Warn("sync failed", "err", err, "retry_in", delay)
		return
	}

	r.failures = 0
	r.nextSyncAt = time.Time{}
}

// runWatch keeps the watch socket open, reconnecting with the same
// backoff schedule as syncs.
func (r *Replica) runWatch(ctx context.Context) {
	delay := time.Second
	for {
		err := r.client.Watch(ctx, func(WatchEvent) {
			r.RequestSync()
		})
		if ctx.Err() != nil {
			return
		}
		slog.Debug("watch disconnected", "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxSyncBackoff)
	}
}
