package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"codepipe/pkg/pipeerrors"
)

// Record is one row of a task's checkpoint sequence.
type Record struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// ID returns the checkpoint id of the record.
func (r Record) ID() string { return FormatID(r.TaskID, r.Seq) }

// Store is the durable layout behind the manager: content-addressed blobs plus a per-task
// sequence of records pointing at them.
type Store interface {
	// PutBlob stores body under hash. Storing an existing hash is a no-op.
	PutBlob(ctx context.Context, hash, schemaVersion string, body []byte) error
	// GetBlob returns the body for hash or a NotFound error.
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	// Append adds a record. Sequence numbers must be unique per task.
	Append(ctx context.Context, rec Record) error
	// Records returns a task's records in ascending sequence order.
	Records(ctx context.Context, taskID string) ([]Record, error)
	// DeleteRecords removes the given sequence numbers of a task.
	DeleteRecords(ctx context.Context, taskID string, seqs []int64) error
	// PruneBlobs removes those of hashes that no record references and reports how many were
	// removed. Blobs outside hashes are never touched.
	PruneBlobs(ctx context.Context, hashes []string) (int, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	records map[string][]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte), records: make(map[string][]Record)}
}

func (s *MemoryStore) PutBlob(_ context.Context, hash, _ string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = append([]byte(nil), body...)
	}
	return nil
}

func (s *MemoryStore) GetBlob(_ context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.blobs[hash]
	if !ok {
		return nil, pipeerrors.NotFound("checkpoint blob", hash)
	}
	return append([]byte(nil), body...), nil
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records[rec.TaskID] {
		if r.Seq == rec.Seq {
			return pipeerrors.New(pipeerrors.KindFatal, "", "checkpoint %s already exists", rec.ID())
		}
	}
	recs := append(s.records[rec.TaskID], rec)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	s.records[rec.TaskID] = recs
	return nil
}

func (s *MemoryStore) Records(_ context.Context, taskID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records[taskID]...), nil
}

func (s *MemoryStore) DeleteRecords(_ context.Context, taskID string, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]bool, len(seqs))
	for _, seq := range seqs {
		drop[seq] = true
	}
	kept := s.records[taskID][:0]
	for _, r := range s.records[taskID] {
		if !drop[r.Seq] {
			kept = append(kept, r)
		}
	}
	s.records[taskID] = kept
	return nil
}

func (s *MemoryStore) PruneBlobs(_ context.Context, hashes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]bool)
	for _, recs := range s.records {
		for _, r := range recs {
			live[r.Hash] = true
		}
	}
	removed := 0
	for _, hash := range hashes {
		if _, ok := s.blobs[hash]; ok && !live[hash] {
			delete(s.blobs, hash)
			removed++
		}
	}
	return removed, nil
}

// BlobCount reports how many distinct blobs are stored.
func (s *MemoryStore) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
