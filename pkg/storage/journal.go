package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal outcomes.
const (
	OutcomeExecuted  = "executed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "user_cancelled"
)

// JournalEntry is one line of the execution journal. It is the only record
// that tells a failure-cancelled order apart from a user cancellation.
type JournalEntry struct {
	Time    time.Time `json:"ts"`
	OrderID string    `json:"orderId"`
	Outcome string    `json:"outcome"`
	TxHash  string    `json:"txHash,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type Journal interface {
	Record(e JournalEntry) error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal          { return &NopJournal{} }
func (j *NopJournal) Record(JournalEntry) error { return nil }

// FileJournal appends entries as JSON lines.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Record(e JournalEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
