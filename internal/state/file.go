package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/strongdm/daokit/internal/contract"
)

// FileStore persists the ledger as a file tree under the run root.
// Whole-object files are replaced atomically; journals are appended with
// fsync. One FileStore is a single-writer handle for one run.
type FileStore struct {
	root string

	mu          sync.Mutex
	lastEventID int64
	eventIDInit bool
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) LoadState() (contract.PipelineState, error) {
	var st contract.PipelineState
	b, err := os.ReadFile(s.path(PipelineStateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read pipeline state: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "{}" {
		return st, nil
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("pipeline state: invalid JSON: %w", err)
	}
	return st, nil
}

func (s *FileStore) SaveState(st contract.PipelineState, node, fromStatus, toStatus string) (contract.PipelineState, contract.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeState(&st)
	now := contract.FormatTime(time.Now())
	st.UpdatedAt = now

	snap := contract.Snapshot{
		Timestamp:  now,
		Node:       node,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		State:      st,
	}
	if err := s.appendLine(SnapshotsFile, snap); err != nil {
		return contract.PipelineState{}, contract.Event{}, err
	}
	if err := s.writeJSON(PipelineStateFile, st); err != nil {
		return contract.PipelineState{}, contract.Event{}, err
	}
	ev, err := s.appendEventLocked(contract.Event{
		EventType: contract.EventLifecycleTransition,
		Severity:  contract.SeverityInfo,
		TaskID:    st.TaskID,
		RunID:     st.RunID,
		StepID:    st.CurrentStep,
		Payload: map[string]any{
			"node":        node,
			"from_status": fromStatus,
			"to_status":   toStatus,
		},
	})
	if err != nil {
		return contract.PipelineState{}, contract.Event{}, err
	}
	return st, ev, nil
}

func (s *FileStore) AppendEvent(ev contract.Event) (contract.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(ev)
}

func (s *FileStore) appendEventLocked(ev contract.Event) (contract.Event, error) {
	if !s.eventIDInit {
		last, err := s.scanLastEventID()
		if err != nil {
			return contract.Event{}, err
		}
		s.lastEventID = last
		s.eventIDInit = true
	}
	s.lastEventID++
	ev.SchemaVersion = contract.SchemaVersion
	ev.EventID = s.lastEventID
	if ev.Timestamp == "" {
		ev.Timestamp = contract.FormatTime(time.Now())
	}
	if ev.Severity == "" {
		ev.Severity = contract.SeverityInfo
	}
	if err := s.appendLine(EventsFile, ev); err != nil {
		return contract.Event{}, err
	}
	return ev, nil
}

func (s *FileStore) scanLastEventID() (int64, error) {
	events, err := s.ListEvents()
	if err != nil {
		return 0, err
	}
	var last int64
	for _, ev := range events {
		if ev.EventID > last {
			last = ev.EventID
		}
	}
	return last, nil
}

func (s *FileStore) ListEvents() ([]contract.Event, error) {
	var events []contract.Event
	err := s.readLines(EventsFile, func(line []byte) error {
		var ev contract.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("events journal: %w", err)
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

func (s *FileStore) ListSnapshots() ([]contract.Snapshot, error) {
	var snaps []contract.Snapshot
	err := s.readLines(SnapshotsFile, func(line []byte) error {
		var snap contract.Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			return fmt.Errorf("snapshot journal: %w", err)
		}
		snaps = append(snaps, snap)
		return nil
	})
	return snaps, err
}

type leaseFile struct {
	SchemaVersion string           `json:"schema_version"`
	Leases        []contract.Lease `json:"leases"`
}

func (s *FileStore) LoadLeases() ([]contract.Lease, error) {
	b, err := os.ReadFile(s.path(LeasesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" || strings.TrimSpace(string(b)) == "{}" {
		return nil, nil
	}
	var doc leaseFile
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("leases: invalid JSON: %w", err)
	}
	return doc.Leases, nil
}

func (s *FileStore) SaveLeases(leases []contract.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leases == nil {
		leases = []contract.Lease{}
	}
	return s.writeJSON(LeasesFile, leaseFile{SchemaVersion: contract.SchemaVersion, Leases: leases})
}

func (s *FileStore) LoadHeartbeatStatus() (contract.HeartbeatStatus, bool, error) {
	var hb contract.HeartbeatStatus
	b, err := os.ReadFile(s.path(HeartbeatFile))
	if errors.Is(err, fs.ErrNotExist) {
		return hb, false, nil
	}
	if err != nil {
		return hb, false, fmt.Errorf("read heartbeat status: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "{}" {
		return hb, false, nil
	}
	if err := json.Unmarshal(b, &hb); err != nil {
		return hb, false, fmt.Errorf("heartbeat status: invalid JSON: %w", err)
	}
	return hb, true, nil
}

func (s *FileStore) SaveHeartbeatStatus(hb contract.HeartbeatStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb.SchemaVersion = contract.SchemaVersion
	return s.writeJSON(HeartbeatFile, hb)
}

func (s *FileStore) AppendCheckpoint(cp contract.Checkpoint) (contract.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.path(CheckpointsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return contract.Checkpoint{}, fmt.Errorf("checkpoints dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return contract.Checkpoint{}, fmt.Errorf("checkpoints dir: %w", err)
	}
	seq := len(entries) + 1

	cp.SchemaVersion = contract.SchemaVersion
	if cp.CheckpointID == "" {
		cp.CheckpointID = fmt.Sprintf("cp-%06d", seq)
	}
	if cp.CreatedAt == "" {
		cp.CreatedAt = contract.FormatTime(time.Now())
	}
	name := fmt.Sprintf("%06d-%s.json", seq, sanitizeNode(cp.LifecycleNode))
	if err := s.writeJSON(CheckpointsDir+"/"+name, cp); err != nil {
		return contract.Checkpoint{}, err
	}
	return cp, nil
}

func (s *FileStore) ListCheckpoints() ([]contract.Checkpoint, error) {
	dir := s.path(CheckpointsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoints dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	cps := make([]contract.Checkpoint, 0, len(names))
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
		}
		var cp contract.Checkpoint
		if err := json.Unmarshal(b, &cp); err != nil {
			// Truncated or tampered records are surfaced as invalid, not
			// as ledger corruption.
			cps = append(cps, contract.Checkpoint{
				SchemaVersion: contract.SchemaVersion,
				CheckpointID:  strings.TrimSuffix(name, ".json"),
				Valid:         false,
			})
			continue
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

func (s *FileStore) writeJSON(rel string, v any) error {
	path := s.path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (s *FileStore) appendLine(rel string, v any) error {
	path := s.path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", rel, err)
	}
	return nil
}

func (s *FileStore) readLines(rel string, fn func(line []byte) error) error {
	f, err := os.Open(s.path(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func sanitizeNode(node string) string {
	if node == "" {
		return "node"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, node)
}
