// Package checkpoint persists per-episode, per-stage progress so interrupted
// runs resume without repeating completed work. One stages.json per episode,
// written via atomic rename, guarded by an advisory file lock.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
)

// ErrAlreadyDone signals that a stage has a complete record for the same
// payload hash and the caller can skip it.
var ErrAlreadyDone = errors.New("stage already complete")

// Stage names, in pipeline order.
type Stage string

const (
	StageParse     Stage = "parse"
	StageStructure Stage = "structure"
	StageExtract   Stage = "extract"
	StageEmbed     Stage = "embed"
	StagePersist   Stage = "persist"
	StageCluster   Stage = "cluster"
	StageAnalyze   Stage = "analyze"
)

// Stages lists every pipeline stage in execution order.
var Stages = []Stage{
	StageParse, StageStructure, StageExtract, StageEmbed,
	StagePersist, StageCluster, StageAnalyze,
}

// Status of one stage record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Record is one (episode, stage) row.
type Record struct {
	Stage       Stage      `json:"stage"`
	Status      Status     `json:"status"`
	PayloadHash string     `json:"payload_hash,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Reason      string     `json:"reason,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type episodeFile struct {
	Version   int      `json:"version"`
	EpisodeID string   `json:"episode_id"`
	Stages    []Record `json:"stages"`
}

// Manager reads and writes stage records under a checkpoint root directory.
type Manager struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-episode, within this process

	now func() time.Time
}

// NewManager builds a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, locks: make(map[string]*sync.Mutex), now: time.Now}
}

// Begin transitions a stage to running. If a complete record with the same
// payload hash already exists it returns ErrAlreadyDone; a complete record
// with a different hash means the input changed and the stage re-runs.
func (m *Manager) Begin(episodeID string, stage Stage, payloadHash string) error {
	return m.update(episodeID, func(f *episodeFile) error {
		rec := findOrAdd(f, stage)
		if rec.Status == StatusComplete && rec.PayloadHash == payloadHash {
			return ErrAlreadyDone
		}
		rec.Status = StatusRunning
		rec.PayloadHash = payloadHash
		rec.CompletedAt = nil
		rec.UpdatedAt = m.now()
		return nil
	})
}

// Complete marks a stage done for the given payload hash.
func (m *Manager) Complete(episodeID string, stage Stage, payloadHash string) error {
	return m.update(episodeID, func(f *episodeFile) error {
		rec := findOrAdd(f, stage)
		now := m.now()
		rec.Status = StatusComplete
		rec.PayloadHash = payloadHash
		rec.CompletedAt = &now
		rec.Reason = ""
		rec.UpdatedAt = now
		return nil
	})
}

// Fail marks a stage failed and increments its attempt counter.
func (m *Manager) Fail(episodeID string, stage Stage, reason string) error {
	return m.update(episodeID, func(f *episodeFile) error {
		rec := findOrAdd(f, stage)
		rec.Status = StatusFailed
		rec.Attempts++
		rec.Reason = reason
		rec.UpdatedAt = m.now()
		return nil
	})
}

// Status returns all stage records for an episode, in pipeline order.
// A missing file means no work has happened: every stage is pending.
func (m *Manager) Status(episodeID string) ([]Record, error) {
	var out []Record
	err := m.withFile(episodeID, func(f *episodeFile) error {
		byStage := make(map[Stage]Record, len(f.Stages))
		for _, r := range f.Stages {
			byStage[r.Stage] = r
		}
		for _, s := range Stages {
			if r, ok := byStage[s]; ok {
				out = append(out, r)
			} else {
				out = append(out, Record{Stage: s, Status: StatusPending})
			}
		}
		return nil
	}, false)
	return out, err
}

func findOrAdd(f *episodeFile, stage Stage) *Record {
	for i := range f.Stages {
		if f.Stages[i].Stage == stage {
			return &f.Stages[i]
		}
	}
	f.Stages = append(f.Stages, Record{Stage: stage, Status: StatusPending})
	return &f.Stages[len(f.Stages)-1]
}

func (m *Manager) update(episodeID string, fn func(*episodeFile) error) error {
	return m.withFile(episodeID, fn, true)
}

// withFile runs fn against the episode's state under both the in-process
// mutex and an advisory flock, persisting afterwards when write is set.
func (m *Manager) withFile(episodeID string, fn func(*episodeFile) error, write bool) error {
	m.episodeLock(episodeID).Lock()
	defer m.episodeLock(episodeID).Unlock()

	dir := filepath.Join(m.dir, episodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint lock: %w", err)
	}
	defer lockFile.Close()
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("checkpoint flock: %w", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	path := filepath.Join(dir, "stages.json")
	f := episodeFile{Version: 1, EpisodeID: episodeID}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := fn(&f); err != nil {
		return err
	}
	if !write {
		return nil
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (m *Manager) episodeLock(episodeID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[episodeID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[episodeID] = l
	}
	return l
}
