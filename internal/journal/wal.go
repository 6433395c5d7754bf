// Package journal records settled sessions outside the primary store: a
// local write-ahead log for operators and an S3 archive for audit.
//
// Summaries are delivered at least once, so both journals key records by
// session and tolerate duplicates.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/vadiminshakov/gowal"

	"github.com/atmx/updown-engine/internal/model"
)

const (
	defaultWALDir     = "./wal/settlements"
	walSegmentLimit   = 1000
	walMaxSegments    = 100
	summaryKeyPrefix  = "settlement_"
	walDirPermissions = 0o755
)

var ErrNotInitialized = errors.New("journal: not initialized")

// Record is a summary read back from the WAL with its index.
type Record struct {
	Index   uint64               `json:"index"`
	Summary model.SessionSummary `json:"summary"`
}

// WALJournal appends settlement summaries to a local WAL.
type WALJournal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALJournal opens (or creates) a WAL under dir.
func NewWALJournal(dir string, syncWrites bool) (*WALJournal, error) {
	if dir == "" {
		dir = defaultWALDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, fmt.Errorf("journal: create wal dir: %w", err)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "settlement_",
		SegmentThreshold: walSegmentLimit,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: syncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: init wal: %w", err)
	}
	return &WALJournal{wal: wal}, nil
}

func (j *WALJournal) Name() string { return "wal" }

// Record appends one summary.
func (j *WALJournal) Record(_ context.Context, summary model.SessionSummary) error {
	if j == nil || j.wal == nil {
		return ErrNotInitialized
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("journal: marshal summary: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Write(j.wal.CurrentIndex()+1, summaryKeyPrefix+summary.SessionID, payload)
}

// After returns the summaries written after index, oldest first. Operators
// use it to replay settlements into downstream systems.
func (j *WALJournal) After(index uint64) ([]Record, error) {
	if j == nil || j.wal == nil {
		return nil, ErrNotInitialized
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("journal: read wal at %d: %w", idx, err)
		}
		// Records in rotated-out segments come back with an empty key.
		if !strings.HasPrefix(key, summaryKeyPrefix) {
			continue
		}
		var summary model.SessionSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			return nil, fmt.Errorf("journal: decode summary at %d: %w", idx, err)
		}
		records = append(records, Record{Index: idx, Summary: summary})
	}
	return records, nil
}

// CurrentIndex returns the latest WAL index written.
func (j *WALJournal) CurrentIndex() uint64 {
	if j == nil || j.wal == nil {
		return 0
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (j *WALJournal) Close() error {
	if j == nil || j.wal == nil {
		return ErrNotInitialized
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
