package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
	StateReported  State = "reported"
	StateDesync    State = "desync"
)

// Record tracks the on-chain payout broadcast for one withdrawal.
type Record struct {
	WithdrawalID string    `json:"withdrawalId"`
	TxHash       string    `json:"txHash"`
	State        State     `json:"state"`
	Amount       string    `json:"amount"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// BlocksResubmission is true while a broadcast may still move funds, or already has.
func (r *Record) BlocksResubmission() bool {
	return r != nil && r.State != StateReverted
}

// Store abstracts ledger persistence. Get returns nil, nil for unknown ids.
type Store interface {
	Get(ctx context.Context, withdrawalID string) (*Record, error)
	Save(ctx context.Context, record Record) error
}

// MemoryStore keeps payouts for the process lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	payouts map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payouts: map[string]Record{}}
}

func (m *MemoryStore) Get(_ context.Context, withdrawalID string) (*Record, error) {
	m.mu.RLock()
	rec, found := m.payouts[withdrawalID]
	m.mu.RUnlock()
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.WithdrawalID == "" {
		return errors.New("ledger record without withdrawal id")
	}
	m.mu.Lock()
	m.payouts[record.WithdrawalID] = record
	m.mu.Unlock()
	return nil
}

// snapshot returns the records ordered by withdrawal id.
func (m *MemoryStore) snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.payouts))
	for _, rec := range m.payouts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WithdrawalID < out[j].WithdrawalID })
	return out
}

const fileVersion = 1

type fileDocument struct {
	Version int      `json:"version"`
	Payouts []Record `json:"payouts"`
}

// FileStore is a MemoryStore flushed to a JSON document after every write.
// One operator host owns the file.
type FileStore struct {
	*MemoryStore
	path    string
	flushMu sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	store := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	doc, err := readDocument(path)
	if err != nil {
		return nil, fmt.Errorf("read payout ledger %s: %w", path, err)
	}
	for _, rec := range doc.Payouts {
		store.payouts[rec.WithdrawalID] = rec
	}
	return store, nil
}

func (f *FileStore) Save(ctx context.Context, record Record) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	if err := f.MemoryStore.Save(ctx, record); err != nil {
		return err
	}
	return writeDocument(f.path, fileDocument{Version: fileVersion, Payouts: f.snapshot()})
}

func readDocument(path string) (fileDocument, error) {
	var doc fileDocument
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return doc, nil
	case err != nil:
		return doc, err
	case len(raw) == 0:
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, err
	}
	if doc.Version > fileVersion {
		return doc, fmt.Errorf("unsupported ledger version %d", doc.Version)
	}
	return doc, nil
}

// writeDocument replaces the file atomically through a sibling temp file.
func writeDocument(path string, doc fileDocument) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
