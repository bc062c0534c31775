package reg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultOutcomeCachePath is the default path of the outcome cache.
const DefaultOutcomeCachePath = ".outcome-cache.json"

// OutcomeRecord is the serializable outcome of one registration task.
type OutcomeRecord struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Method      string    `json:"method"` // "cpd" or "paired"
	Dim         int       `json:"dim"`
	Rotation    []float64 `json:"rotation"` // row-major D×D
	Translation []float64 `json:"translation"`
	Angles      []float64 `json:"angles"` // radians
	Status      Status    `json:"status"`
	Iterations  int       `json:"iterations,omitempty"`
	Variance    float64   `json:"variance,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

// NewCPDRecord summarizes a CPD result.
func NewCPDRecord(id, task string, res CPDResult) OutcomeRecord {
	rec := newRecord(id, task, "cpd", res.Transform)
	rec.Status = res.Status
	rec.Iterations = res.Iterations
	rec.Variance = res.Variance
	return rec
}

// NewPairedRecord summarizes a paired Procrustes estimate.
func NewPairedRecord(id, task string, t RigidTransform) OutcomeRecord {
	rec := newRecord(id, task, "paired", t)
	rec.Status = StatusConverged
	return rec
}

// NewFailedRecord records a task that returned an error.
func NewFailedRecord(id, task string, err error) OutcomeRecord {
	return OutcomeRecord{
		ID:        id,
		Task:      task,
		Status:    StatusNotRun,
		Error:     err.Error(),
		Timestamp: time.Now().Unix(),
	}
}

func newRecord(id, task, method string, t RigidTransform) OutcomeRecord {
	return OutcomeRecord{
		ID:          id,
		Task:        task,
		Method:      method,
		Dim:         t.Dim(),
		Rotation:    t.RotationData(),
		Translation: t.TranslationData(),
		Angles:      t.Angles(),
		Timestamp:   time.Now().Unix(),
	}
}

// Failed reports whether the task ended in an error.
func (r OutcomeRecord) Failed() bool {
	return r.Error != ""
}

// Transform rebuilds the rigid transform of a successful record.
func (r OutcomeRecord) Transform() (RigidTransform, error) {
	if r.Failed() {
		return RigidTransform{}, fmt.Errorf("task %s failed: %s", r.Task, r.Error)
	}
	return NewRigidTransform(r.Rotation, r.Translation, properTolerance)
}

// OutcomeStore keeps outcomes by ID for the HTTP service and batch runs.
// It is safe for concurrent use.
type OutcomeStore struct {
	mu        sync.RWMutex
	saveMu    sync.Mutex
	records   map[string]*OutcomeRecord
	order     []string
	cachePath string // empty disables persistence
}

// NewOutcomeStore creates an in-memory store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{records: make(map[string]*OutcomeRecord)}
}

// NewOutcomeStoreWithCache creates a store persisted at cachePath. Existing
// cached outcomes are loaded.
func NewOutcomeStoreWithCache(cachePath string) (*OutcomeStore, error) {
	s := NewOutcomeStore()
	s.cachePath = cachePath
	if cachePath == "" {
		return s, nil
	}
	records, err := LoadOutcomes(cachePath)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.put(rec)
	}
	return s, nil
}

// Put stores rec, replacing any record with the same ID, and persists the
// store when a cache path is set.
func (s *OutcomeStore) Put(rec OutcomeRecord) error {
	s.mu.Lock()
	s.put(rec)
	s.mu.Unlock()
	return s.Save()
}

func (s *OutcomeStore) put(rec OutcomeRecord) {
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = &rec
}

// Get returns a copy of the record with the given ID.
func (s *OutcomeStore) Get(id string) (OutcomeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return OutcomeRecord{}, false
	}
	return *rec, true
}

// List returns all records in insertion order.
func (s *OutcomeStore) List() []OutcomeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutcomeRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Len returns the number of stored records.
func (s *OutcomeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Save writes the store to its cache path, if any.
func (s *OutcomeStore) Save() error {
	if s.cachePath == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return SaveOutcomes(s.cachePath, s.List())
}

// LoadOutcomes reads an outcome cache. A missing file yields no records.
func LoadOutcomes(path string) ([]OutcomeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading outcome cache: %w", err)
	}

	var records []OutcomeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing outcome cache: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
	return records, nil
}

// SaveOutcomes writes records as an indented JSON cache file.
func SaveOutcomes(path string, records []OutcomeRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating outcome cache directory: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling outcomes: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing outcome cache: %w", err)
	}
	return nil
}
