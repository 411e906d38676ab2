package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/packet-processor/internal/models"
)

type entry struct {
	mu  sync.RWMutex
	rec *models.PacketRecord
}

// MemoryStore guards each patient with its own lock; there is no lock
// shared across patients.
type MemoryStore struct {
	entries sync.Map // patientID -> *entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) entry(patientID string) *entry {
	e, _ := s.entries.LoadOrStore(patientID, &entry{})
	return e.(*entry)
}

func (s *MemoryStore) Create(_ context.Context, rec *models.PacketRecord) (*models.PacketRecord, error) {
	e := s.entry(rec.PatientID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil && !e.rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: patient %s already has a run in %s", models.ErrUploadRejected, rec.PatientID, e.rec.Status)
	}
	e.rec = rec.Clone()
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, patientID string, fn Mutation) (*models.PacketRecord, error) {
	v, ok := s.entries.Load(patientID)
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec == nil {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	next, err := applyMutation(e.rec, fn, s.now())
	if err != nil {
		return nil, err
	}
	e.rec = next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (*models.PacketRecord, error) {
	v, ok := s.entries.Load(patientID)
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.rec == nil {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, patientID string) error {
	v, ok := s.entries.Load(patientID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	e.rec = nil
	e.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
