package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Txn marks a store transaction. Reads and writes performed with the same
// Txn are atomic with respect to other writers.
type Txn interface {
	isTxn()
}

// MessageStore is the contract the synchronization core requires from the
// underlying document store. Messages are never physically deleted; every
// SetMessage appends a new version to the message's history.
type MessageStore interface {
	GetMessages(ctx context.Context, query Query, txn Txn) ([]Message, error)
	SetMessage(ctx context.Context, msg Message, provenance Provenance, txn Txn) (Message, error)
	Transaction(ctx context.Context, fn func(txn Txn) error) error
	Close() error
}

// HistoryEntry is one version of a message together with the provenance of
// the write that produced it.
type HistoryEntry struct {
	Message    Message    `json:"message"`
	Provenance Provenance `json:"provenance"`
	RecordedAt time.Time  `json:"recordedAt"`
}

type persistedStoreState struct {
	Latest  map[string]Message `json:"latest"`
	History []HistoryEntry     `json:"history"`
}

// StateBackend persists the in-memory store across restarts.
type StateBackend interface {
	Load() (*persistedStoreState, error)
	Save(state *persistedStoreState) error
}

// JSONFileStateBackend stores the full store state as a single JSON file,
// written atomically via a temp file and rename.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedStoreState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *persistedStoreState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type MemoryStoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	Clock        func() time.Time
}

// MemoryStore is the reference MessageStore implementation. Transactions are
// serialized through a single mutex, which makes every transaction trivially
// atomic and isolated.
type MemoryStore struct {
	mu            sync.Mutex
	latest        map[string]Message
	history       []HistoryEntry
	backend       StateBackend
	clock         func() time.Time
	lastTimestamp time.Time
	closed        bool
}

type memoryTxn struct {
	store *MemoryStore
}

func (*memoryTxn) isTxn() {}

func NewMemoryStore() *MemoryStore {
	store, _ := NewMemoryStoreWithOptions(MemoryStoreOptions{})
	return store
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) (*MemoryStore, error) {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &MemoryStore{
		latest:  make(map[string]Message),
		backend: backend,
		clock:   clock,
	}
	if backend != nil {
		state, err := backend.Load()
		if err != nil {
			return nil, err
		}
		if state != nil {
			if state.Latest != nil {
				store.latest = state.Latest
			}
			store.history = state.History
			for _, msg := range store.latest {
				if msg.LastUpdated.After(store.lastTimestamp) {
					store.lastTimestamp = msg.LastUpdated
				}
			}
		}
	}
	return store, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, query Query, txn Txn) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if txn == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else if err := s.checkTxn(txn); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]Message, 0)
	for _, msg := range s.latest {
		if matchesQuery(msg, query) {
			matched = append(matched, msg)
		}
	}
	sortMessages(matched, query.OrderBy)
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) SetMessage(ctx context.Context, msg Message, provenance Provenance, txn Txn) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if txn == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else if err := s.checkTxn(txn); err != nil {
		return Message{}, err
	}
	if s.closed {
		return Message{}, ErrStoreClosed
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.LastUpdated = s.nextTimestamp()
	s.latest[msg.MessageID] = msg
	s.history = append(s.history, HistoryEntry{
		Message:    msg,
		Provenance: provenance,
		RecordedAt: msg.LastUpdated,
	})
	if s.backend != nil {
		if err := s.backend.Save(&persistedStoreState{Latest: s.latest, History: s.history}); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn(&memoryTxn{store: s})
}

// History returns every stored version of the given message in write order.
func (s *MemoryStore) History(messageID string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]HistoryEntry, 0)
	for _, entry := range s.history {
		if entry.Message.MessageID == messageID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) checkTxn(txn Txn) error {
	memTxn, ok := txn.(*memoryTxn)
	if !ok || memTxn.store != s {
		return ErrInvalidInput
	}
	return nil
}

// nextTimestamp returns a strictly increasing write time so that version
// ordering by last_updated is unambiguous even within one wall-clock tick.
func (s *MemoryStore) nextTimestamp() time.Time {
	now := s.clock().UTC()
	if !now.After(s.lastTimestamp) {
		now = s.lastTimestamp.Add(time.Nanosecond)
	}
	s.lastTimestamp = now
	return now
}

func matchesQuery(msg Message, query Query) bool {
	for _, cond := range query.Conditions {
		if !conditionMatches(msg, cond) {
			return false
		}
	}
	if start := query.StartAfter; start != nil {
		if msg.LastUpdated.Before(start.LastUpdated) {
			return false
		}
		if msg.LastUpdated.Equal(start.LastUpdated) && msg.MessageID <= start.MessageID {
			return false
		}
	}
	return true
}

func sortMessages(msgs []Message, orderBy []string) {
	if len(orderBy) == 0 {
		orderBy = []string{FieldLastUpdated, FieldMessageID}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		for _, field := range orderBy {
			cmp := compareValues(fieldValue(msgs[i], field), fieldValue(msgs[j], field))
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}
