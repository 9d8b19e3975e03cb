package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/strongdm/daokit/internal/contract"
)

// SQLiteStore keeps the same five ledger domains in one database file with
// transactional appends. The on-disk topology outside state/ (artifacts,
// checkpoints dir, handoff dir) is unchanged; checkpoints additionally live
// in a table so resume validation stays a single query.
type SQLiteStore struct {
	root string
	db   *sql.DB
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS pipeline_state (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	event_id INTEGER PRIMARY KEY,
	body     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS leases (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS heartbeat_status (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);
`

func NewSQLiteStore(root string) (*SQLiteStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	dbPath := filepath.Join(abs, filepath.FromSlash(SQLiteFile))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The store is a single-writer handle; one connection avoids
	// SQLITE_BUSY churn between the journal tables.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{root: abs, db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadState() (contract.PipelineState, error) {
	var st contract.PipelineState
	var body string
	err := s.db.QueryRow(`SELECT body FROM pipeline_state WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load pipeline state: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return st, fmt.Errorf("pipeline state: invalid JSON: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) SaveState(st contract.PipelineState, node, fromStatus, toStatus string) (contract.PipelineState, contract.Event, error) {
	normalizeState(&st)
	now := contract.FormatTime(time.Now())
	st.UpdatedAt = now

	stateBody, err := json.Marshal(st)
	if err != nil {
		return contract.PipelineState{}, contract.Event{}, err
	}
	snapBody, err := json.Marshal(contract.Snapshot{
		Timestamp:  now,
		Node:       node,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		State:      st,
	})
	if err != nil {
		return contract.PipelineState{}, contract.Event{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return contract.PipelineState{}, contract.Event{}, fmt.Errorf("begin save state: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO snapshots (body) VALUES (?)`, string(snapBody)); err != nil {
		return contract.PipelineState{}, contract.Event{}, fmt.Errorf("append snapshot: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO pipeline_state (id, body) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET body = excluded.body`, string(stateBody)); err != nil {
		return contract.PipelineState{}, contract.Event{}, fmt.Errorf("save pipeline state: %w", err)
	}
	ev, err := appendEventTx(tx, contract.Event{
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
	if err := tx.Commit(); err != nil {
		return contract.PipelineState{}, contract.Event{}, fmt.Errorf("commit save state: %w", err)
	}
	return st, ev, nil
}

func (s *SQLiteStore) AppendEvent(ev contract.Event) (contract.Event, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return contract.Event{}, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()
	out, err := appendEventTx(tx, ev)
	if err != nil {
		return contract.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return contract.Event{}, fmt.Errorf("commit append event: %w", err)
	}
	return out, nil
}

func appendEventTx(tx *sql.Tx, ev contract.Event) (contract.Event, error) {
	var last sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(event_id) FROM events`).Scan(&last); err != nil {
		return contract.Event{}, fmt.Errorf("last event id: %w", err)
	}
	ev.SchemaVersion = contract.SchemaVersion
	ev.EventID = last.Int64 + 1
	if ev.Timestamp == "" {
		ev.Timestamp = contract.FormatTime(time.Now())
	}
	if ev.Severity == "" {
		ev.Severity = contract.SeverityInfo
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return contract.Event{}, err
	}
	if _, err := tx.Exec(`INSERT INTO events (event_id, body) VALUES (?, ?)`, ev.EventID, string(body)); err != nil {
		return contract.Event{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) ListEvents() ([]contract.Event, error) {
	rows, err := s.db.Query(`SELECT body FROM events ORDER BY event_id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var events []contract.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev contract.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("events table: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) ListSnapshots() ([]contract.Snapshot, error) {
	rows, err := s.db.Query(`SELECT body FROM snapshots ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var snaps []contract.Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var snap contract.Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return nil, fmt.Errorf("snapshots table: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) LoadLeases() ([]contract.Lease, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM leases WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	var doc leaseFile
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("leases: invalid JSON: %w", err)
	}
	return doc.Leases, nil
}

func (s *SQLiteStore) SaveLeases(leases []contract.Lease) error {
	if leases == nil {
		leases = []contract.Lease{}
	}
	body, err := json.Marshal(leaseFile{SchemaVersion: contract.SchemaVersion, Leases: leases})
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO leases (id, body) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET body = excluded.body`, string(body))
	if err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadHeartbeatStatus() (contract.HeartbeatStatus, bool, error) {
	var hb contract.HeartbeatStatus
	var body string
	err := s.db.QueryRow(`SELECT body FROM heartbeat_status WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return hb, false, nil
	}
	if err != nil {
		return hb, false, fmt.Errorf("load heartbeat status: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &hb); err != nil {
		return hb, false, fmt.Errorf("heartbeat status: invalid JSON: %w", err)
	}
	return hb, true, nil
}

func (s *SQLiteStore) SaveHeartbeatStatus(hb contract.HeartbeatStatus) error {
	hb.SchemaVersion = contract.SchemaVersion
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO heartbeat_status (id, body) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET body = excluded.body`, string(body))
	if err != nil {
		return fmt.Errorf("save heartbeat status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendCheckpoint(cp contract.Checkpoint) (contract.Checkpoint, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return contract.Checkpoint{}, fmt.Errorf("begin append checkpoint: %w", err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count); err != nil {
		return contract.Checkpoint{}, fmt.Errorf("count checkpoints: %w", err)
	}
	cp.SchemaVersion = contract.SchemaVersion
	if cp.CheckpointID == "" {
		cp.CheckpointID = fmt.Sprintf("cp-%06d", count+1)
	}
	if cp.CreatedAt == "" {
		cp.CreatedAt = contract.FormatTime(time.Now())
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return contract.Checkpoint{}, err
	}
	if _, err := tx.Exec(`INSERT INTO checkpoints (body) VALUES (?)`, string(body)); err != nil {
		return contract.Checkpoint{}, fmt.Errorf("append checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contract.Checkpoint{}, fmt.Errorf("commit append checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints() ([]contract.Checkpoint, error) {
	rows, err := s.db.Query(`SELECT body FROM checkpoints ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var cps []contract.Checkpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cp contract.Checkpoint
		if err := json.Unmarshal([]byte(body), &cp); err != nil {
			cps = append(cps, contract.Checkpoint{SchemaVersion: contract.SchemaVersion, Valid: false})
			continue
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}
