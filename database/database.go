package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/embtrace/rtos-recorder/decode"
	"github.com/embtrace/rtos-recorder/task"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// SessionRecord represents one trace session in the database
type SessionRecord struct {
	ID           int64
	Started      time.Time
	Ended        time.Time
	Source       string
	Mode         string
	Description  string
	Frequency    uint64
	Records      uint64
	Bytes        uint64
	Episodes     uint64
	Dropped      uint64
	Cuts         uint64
	IdleCycles   uint64
	SnapshotHash string
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "trace_recorder.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSessionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	if err := initStatsSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize stats schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		started       DATETIME NOT NULL,
		ended         DATETIME,
		source        TEXT NOT NULL,
		mode          TEXT NOT NULL,
		description   TEXT,
		frequency     INTEGER DEFAULT 0,
		records       INTEGER DEFAULT 0,
		bytes         INTEGER DEFAULT 0,
		episodes      INTEGER DEFAULT 0,
		dropped       INTEGER DEFAULT 0,
		cuts          INTEGER DEFAULT 0,
		idle_cycles   INTEGER DEFAULT 0,
		snapshot_hash TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trace_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		tag        TEXT NOT NULL,
		cycles     INTEGER NOT NULL,
		wall_ns    INTEGER NOT NULL,
		task_id    INTEGER,
		arg        INTEGER,
		name       TEXT,
		anchored   BOOLEAN
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create trace_events table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_session_seq ON trace_events(session_id, seq);",
		"CREATE INDEX IF NOT EXISTS idx_events_tag ON trace_events(tag);",
		"CREATE INDEX IF NOT EXISTS idx_events_task ON trace_events(session_id, task_id);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initStatsSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_stats (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id      INTEGER NOT NULL,
		task_id         INTEGER NOT NULL,
		name            TEXT,
		priority        INTEGER,
		switches        INTEGER DEFAULT 0,
		run_cycles      INTEGER DEFAULT 0,
		ready_count     INTEGER DEFAULT 0,
		ready_cycle_sum INTEGER DEFAULT 0,
		ready_cycle_max INTEGER DEFAULT 0,
		created         BOOLEAN DEFAULT 0,
		terminated      BOOLEAN DEFAULT 0,
		UNIQUE(session_id, task_id)
	);

	CREATE TABLE IF NOT EXISTS isr_stats (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  INTEGER NOT NULL,
		number      INTEGER NOT NULL,
		name        TEXT,
		enters      INTEGER DEFAULT 0,
		cycles      INTEGER DEFAULT 0,
		max_nesting INTEGER DEFAULT 0,
		UNIQUE(session_id, number)
	);

	CREATE TABLE IF NOT EXISTS marker_stats (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  INTEGER NOT NULL,
		marker      INTEGER NOT NULL,
		hits        INTEGER DEFAULT 0,
		spans       INTEGER DEFAULT 0,
		span_cycles INTEGER DEFAULT 0,
		span_max    INTEGER DEFAULT 0,
		UNIQUE(session_id, marker)
	);

	CREATE INDEX IF NOT EXISTS idx_task_stats_session ON task_stats(session_id);
	CREATE INDEX IF NOT EXISTS idx_isr_stats_session ON isr_stats(session_id);
	CREATE INDEX IF NOT EXISTS idx_marker_stats_session ON marker_stats(session_id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create stats tables: %v", err)
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS detector_state (
        id INTEGER PRIMARY KEY,
        event_type TEXT NOT NULL,
        last_id INTEGER NOT NULL,
        last_processed_time DATETIME NOT NULL,
        rule_count INTEGER DEFAULT 0,
        match_count INTEGER DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(event_type)
    );

    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        session_id INTEGER,
        task_id INTEGER,
        task_name TEXT,
        event_tag TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_status ON sigma_matches(status);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_event_id ON sigma_matches(event_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

// InsertSession adds a new trace session and returns its row ID
func (db *DB) InsertSession(started time.Time, source, mode string) (int64, error) {
	query := `
        INSERT INTO sessions (started, source, mode)
        VALUES (?, ?, ?)`

	res, err := db.Db.Exec(query, started, source, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %v", err)
	}
	return res.LastInsertId()
}

// UpdateSessionMeta stores the description and clock frequency once the
// decoder has seen them
func (db *DB) UpdateSessionMeta(sessionID int64, description string, frequency uint64) error {
	query := `
        UPDATE sessions
        SET description = ?,
            frequency = ?
        WHERE id = ?`

	_, err := db.Db.Exec(query, description, frequency, sessionID)
	return err
}

// UpdateSessionCounters refreshes the running decode counters for a session
func (db *DB) UpdateSessionCounters(sessionID int64, c decode.Counters, idleCycles uint64) error {
	query := `
        UPDATE sessions
        SET records = ?,
            bytes = ?,
            episodes = ?,
            dropped = ?,
            cuts = ?,
            idle_cycles = ?
        WHERE id = ?`

	_, err := db.Db.Exec(query,
		c.Records,
		c.Bytes,
		c.Episodes,
		c.DroppedReported,
		c.Cuts,
		idleCycles,
		sessionID)
	return err
}

// SetSessionSnapshot links a session to an archived snapshot image
func (db *DB) SetSessionSnapshot(sessionID int64, hash string) error {
	query := `UPDATE sessions SET snapshot_hash = ? WHERE id = ?`

	_, err := db.Db.Exec(query, hash, sessionID)
	return err
}

// CloseSession marks a session as ended
func (db *DB) CloseSession(sessionID int64, ended time.Time) error {
	query := `
        UPDATE sessions
        SET ended = ?
        WHERE id = ?
        AND ended IS NULL`

	_, err := db.Db.Exec(query, ended, sessionID)
	return err
}

// GetSession retrieves one session row
func (db *DB) GetSession(sessionID int64) (*SessionRecord, error) {
	query := `
        SELECT id, started, ended, source, mode, description, frequency,
               records, bytes, episodes, dropped, cuts, idle_cycles, snapshot_hash
        FROM sessions
        WHERE id = ?`

	var (
		rec      SessionRecord
		ended    sql.NullTime
		desc     sql.NullString
		snapshot sql.NullString
	)
	err := db.Db.QueryRow(query, sessionID).Scan(
		&rec.ID,
		&rec.Started,
		&ended,
		&rec.Source,
		&rec.Mode,
		&desc,
		&rec.Frequency,
		&rec.Records,
		&rec.Bytes,
		&rec.Episodes,
		&rec.Dropped,
		&rec.Cuts,
		&rec.IdleCycles,
		&snapshot,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session %d: %v", sessionID, err)
	}
	if ended.Valid {
		rec.Ended = ended.Time
	}
	if desc.Valid {
		rec.Description = desc.String
	}
	if snapshot.Valid {
		rec.SnapshotHash = snapshot.String
	}
	return &rec, nil
}

// InsertEvents adds a batch of decoded events in one transaction
func (db *DB) InsertEvents(sessionID int64, events []decode.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	query := `
        INSERT INTO trace_events (
            session_id, seq, tag, cycles, wall_ns,
            task_id, arg, name, anchored
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare event insert: %v", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.Exec(
			sessionID,
			ev.Seq,
			ev.Tag.String(),
			ev.Cycles,
			int64(ev.Wall),
			ev.TaskID,
			ev.Arg,
			ev.Name,
			ev.Anchored,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert event %d: %v", ev.Seq, err)
		}
	}

	return tx.Commit()
}

// SyncTaskStats upserts the per-task statistics for a session
func (db *DB) SyncTaskStats(sessionID int64, stats []task.Stats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	query := `
        INSERT INTO task_stats (
            session_id, task_id, name, priority, switches, run_cycles,
            ready_count, ready_cycle_sum, ready_cycle_max, created, terminated
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id, task_id) DO UPDATE SET
            name = excluded.name,
            priority = excluded.priority,
            switches = excluded.switches,
            run_cycles = excluded.run_cycles,
            ready_count = excluded.ready_count,
            ready_cycle_sum = excluded.ready_cycle_sum,
            ready_cycle_max = excluded.ready_cycle_max,
            created = excluded.created,
            terminated = excluded.terminated`

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare task stats upsert: %v", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		_, err := stmt.Exec(
			sessionID,
			s.ID,
			s.Name,
			s.Priority,
			s.Switches,
			s.RunCycles,
			s.ReadyCount,
			s.ReadyCycleSum,
			s.ReadyCycleMax,
			s.Created,
			s.Terminated,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert task %d: %v", s.ID, err)
		}
	}

	return tx.Commit()
}

// SyncISRStats upserts the per-interrupt statistics for a session
func (db *DB) SyncISRStats(sessionID int64, stats []task.ISRStats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	query := `
        INSERT INTO isr_stats (
            session_id, number, name, enters, cycles, max_nesting
        ) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id, number) DO UPDATE SET
            name = excluded.name,
            enters = excluded.enters,
            cycles = excluded.cycles,
            max_nesting = excluded.max_nesting`

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare isr stats upsert: %v", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		_, err := stmt.Exec(
			sessionID,
			s.Number,
			s.Name,
			s.Enters,
			s.Cycles,
			s.MaxNesting,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert isr %d: %v", s.Number, err)
		}
	}

	return tx.Commit()
}

// SyncMarkerStats upserts the per-marker statistics for a session
func (db *DB) SyncMarkerStats(sessionID int64, stats []task.MarkerStats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	query := `
        INSERT INTO marker_stats (
            session_id, marker, hits, spans, span_cycles, span_max
        ) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id, marker) DO UPDATE SET
            hits = excluded.hits,
            spans = excluded.spans,
            span_cycles = excluded.span_cycles,
            span_max = excluded.span_max`

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare marker stats upsert: %v", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		_, err := stmt.Exec(
			sessionID,
			s.ID,
			s.Hits,
			s.Spans,
			s.SpanCycles,
			s.SpanMax,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert marker %d: %v", s.ID, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
