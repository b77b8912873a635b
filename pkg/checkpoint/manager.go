package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// Manager saves and restores task snapshots. Saves for one task are serialized; saves for
// different tasks proceed independently. Blob pruning excludes every in-flight write, so a blob
// stored but not yet referenced is never collected.
type Manager struct {
	store  Store
	retain int
	locks  sync.Map // task id -> *sync.Mutex
	gc     sync.RWMutex
	logger *logx.Logger
	now    func() time.Time
}

// NewManager wraps store. retain is how many newest checkpoints per task survive collection;
// values below 1 are treated as 1.
func NewManager(store Store, retain int) *Manager {
	if retain < 1 {
		retain = 1
	}
	return &Manager{
		store:  store,
		retain: retain,
		logger: logx.NewLogger("checkpoint"),
		now:    time.Now,
	}
}

func (m *Manager) lock(taskID string) func() {
	mu, _ := m.locks.LoadOrStore(taskID, &sync.Mutex{})
	l := mu.(*sync.Mutex) //nolint:forcetypeassert // only mutexes are stored
	l.Lock()
	return l.Unlock
}

// Save appends snap as the newest checkpoint of taskID and returns its id. A snapshot identical
// to the latest returns the latest id without writing. Identical content saved earlier reuses
// its stored blob.
func (m *Manager) Save(ctx context.Context, taskID string, snap *Snapshot) (string, error) {
	body, err := snap.canonical()
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot for %s: %w", taskID, err)
	}
	hash := proto.ContentHash(body)

	unlock := m.lock(taskID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	recs, err := m.store.Records(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoints for %s: %w", taskID, err)
	}
	var next int64 = 1
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		if last.Hash == hash {
			return last.ID(), nil
		}
		next = last.Seq + 1
	}

	rec := Record{TaskID: taskID, Seq: next, Hash: hash, CreatedAt: m.now().UTC()}
	if err := m.write(ctx, rec, body); err != nil {
		return "", err
	}
	m.logger.Debug("saved %s (%s, state %s)", rec.ID(), hash[:12], snap.Cursor.State)

	if err := m.collect(ctx, taskID, append(recs, rec)); err != nil {
		m.logger.Warn("checkpoint collection for %s failed: %v", taskID, err)
	}
	return rec.ID(), nil
}

// write stores the blob and the record pointing at it as one unit with respect to pruning.
func (m *Manager) write(ctx context.Context, rec Record, body []byte) error {
	m.gc.RLock()
	defer m.gc.RUnlock()
	if err := m.store.PutBlob(ctx, rec.Hash, SchemaVersion, body); err != nil {
		return fmt.Errorf("failed to store snapshot blob: %w", err)
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append checkpoint %s: %w", rec.ID(), err)
	}
	return nil
}

// collect drops records beyond the retention window and prunes orphaned blobs.
func (m *Manager) collect(ctx context.Context, taskID string, recs []Record) error {
	if len(recs) <= m.retain {
		return nil
	}
	stale := recs[:len(recs)-m.retain]
	seqs := make([]int64, 0, len(stale))
	hashes := make([]string, 0, len(stale))
	for _, r := range stale {
		seqs = append(seqs, r.Seq)
		hashes = append(hashes, r.Hash)
	}
	if err := m.store.DeleteRecords(ctx, taskID, seqs); err != nil {
		return err
	}
	m.gc.Lock()
	removed, err := m.store.PruneBlobs(ctx, hashes)
	m.gc.Unlock()
	if err != nil {
		return err
	}
	m.logger.Debug("collected %d checkpoints and %d blobs for %s", len(seqs), removed, taskID)
	return nil
}

// Load returns the snapshot with the highest sequence number for taskID and its id.
func (m *Manager) Load(ctx context.Context, taskID string) (*Snapshot, string, error) {
	recs, err := m.store.Records(ctx, taskID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list checkpoints for %s: %w", taskID, err)
	}
	if len(recs) == 0 {
		return nil, "", pipeerrors.NotFound("checkpoint", taskID)
	}
	return m.read(ctx, recs[len(recs)-1])
}

// LoadID returns a specific retained checkpoint.
func (m *Manager) LoadID(ctx context.Context, id string) (*Snapshot, error) {
	taskID, seq, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.Records(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", taskID, err)
	}
	for _, r := range recs {
		if r.Seq == seq {
			snap, _, err := m.read(ctx, r)
			return snap, err
		}
	}
	return nil, pipeerrors.NotFound("checkpoint", id)
}

func (m *Manager) read(ctx context.Context, rec Record) (*Snapshot, string, error) {
	body, err := m.store.GetBlob(ctx, rec.Hash)
	if err != nil {
		return nil, "", err
	}
	snap, err := decode(body)
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint %s: %w", rec.ID(), err)
	}
	snap.Task.LastCheckpointID = rec.ID()
	return snap, rec.ID(), nil
}

// List returns the retained checkpoint ids of taskID in ascending sequence order.
func (m *Manager) List(ctx context.Context, taskID string) ([]string, error) {
	recs, err := m.store.Records(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", taskID, err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID())
	}
	return ids, nil
}
