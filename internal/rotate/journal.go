package rotate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	stateVersion      = 1
	snapshotRetention = 30 * 24 * time.Hour
)

// persistedState is the rotation_state.json document.
type persistedState struct {
	Version   int            `json:"version"`
	PerKey    []persistedKey `json:"per_key"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type persistedKey struct {
	Hint          string         `json:"hint"`
	WindowCounts  persistedUsage `json:"window_counts"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	FailureStreak int            `json:"failure_streak"`
}

type persistedUsage struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
	RPD int `json:"rpd"`
}

// journalEntry is one line of the append-only journal: a settled call.
type journalEntry struct {
	At     int64  `json:"at"` // unix millis
	Hint   string `json:"hint"`
	Tokens int    `json:"tokens"`
	Result int    `json:"result"`
}

// journal persists rotation state as an append-only ndjson log plus periodic
// snapshots written via atomic rename. A snapshot truncates the journal, so
// restore = snapshot + journal replay.
type journal struct {
	mu        sync.Mutex
	statePath string
	logPath   string
	f         *os.File
}

func openJournal(statePath string) (*journal, error) {
	dir := filepath.Dir(statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(dir, "rotation_journal.ndjson")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &journal{statePath: statePath, logPath: logPath, f: f}, nil
}

func (j *journal) append(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.f.Write(append(data, '\n'))
	return err
}

// writeSnapshot persists the full state atomically, truncates the journal,
// and maintains the daily snapshot series.
func (j *journal) writeSnapshot(s persistedState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := renameio.WriteFile(j.statePath, data, 0o644); err != nil {
		return fmt.Errorf("write rotation state: %w", err)
	}
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate rotation journal: %w", err)
	}
	if _, err := j.f.Seek(0, 0); err != nil {
		return err
	}
	j.rotateDaily(s.UpdatedAt, data)
	return nil
}

// rotateDaily keeps one snapshot per day, pruned after the retention period.
func (j *journal) rotateDaily(now time.Time, data []byte) {
	dir := filepath.Dir(j.statePath)
	day := now.UTC().Format("2006-01-02")
	daily := filepath.Join(dir, "rotation_state-"+day+".json")
	if _, err := os.Stat(daily); os.IsNotExist(err) {
		_ = renameio.WriteFile(daily, data, 0o644)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "rotation_state-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "rotation_state-"), ".json")
		t, err := time.Parse("2006-01-02", stamp)
		if err != nil {
			continue
		}
		if now.Sub(t) > snapshotRetention {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// snapshotLocked captures the current rotator state. Caller holds r.mu.
func (r *Rotator) snapshotLocked(now time.Time) persistedState {
	s := persistedState{Version: stateVersion, UpdatedAt: now}
	for _, cs := range r.creds {
		pk := persistedKey{
			Hint: cs.cred.Hint,
			WindowCounts: persistedUsage{
				RPM: cs.rpm.count(now),
				TPM: cs.tpm.count(now),
				RPD: cs.rpd.count(now),
			},
			FailureStreak: cs.failureStreak,
		}
		if cs.cooldownUntil.After(now) {
			t := cs.cooldownUntil
			pk.CooldownUntil = &t
		}
		s.PerKey = append(s.PerKey, pk)
	}
	return s
}

// restore loads the snapshot and replays the journal into the windows.
// Window counts from the snapshot are conservatively re-applied at the
// snapshot timestamp: they age out on schedule and can only over-count,
// never under-count, so the rate invariants hold across restarts.
func (r *Rotator) restore() error {
	byHint := make(map[string]*credState, len(r.creds))
	for _, cs := range r.creds {
		byHint[cs.cred.Hint] = cs
	}

	data, err := os.ReadFile(r.journal.statePath)
	switch {
	case os.IsNotExist(err):
		// fresh start
	case err != nil:
		return err
	default:
		var s persistedState
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parse %s: %w", r.journal.statePath, err)
		}
		for _, pk := range s.PerKey {
			cs, ok := byHint[pk.Hint]
			if !ok {
				continue // credential no longer in pool
			}
			cs.failureStreak = pk.FailureStreak
			if pk.CooldownUntil != nil {
				cs.cooldownUntil = *pk.CooldownUntil
			}
			if pk.WindowCounts.RPM > 0 {
				cs.rpm.add(s.UpdatedAt, pk.WindowCounts.RPM)
			}
			if pk.WindowCounts.TPM > 0 {
				cs.tpm.add(s.UpdatedAt, pk.WindowCounts.TPM)
			}
			if pk.WindowCounts.RPD > 0 {
				cs.rpd.add(s.UpdatedAt, pk.WindowCounts.RPD)
			}
		}
	}

	lf, err := os.Open(r.journal.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lf.Close()

	scanner := bufio.NewScanner(lf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // partial trailing write after a crash
		}
		cs, ok := byHint[e.Hint]
		if !ok {
			continue
		}
		at := time.UnixMilli(e.At)
		cs.rpm.add(at, 1)
		cs.rpd.add(at, 1)
		if e.Tokens > 0 {
			cs.tpm.add(at, e.Tokens)
		}
	}
	return scanner.Err()
}
