// Package store provides the SQLite + sqlite-vec storage layer for the
// knowledge graph: nodes, edges, insights, jobs, clusters and prompt
// history all live in one embedded database plus a tree of JSON node
// artifacts on disk.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// DB wraps a SQLite connection with sqlite-vec support. All writes are
// serialized through mu; SQLite itself allows only one writer at a time
// and WAL mode keeps readers lock-free.
type DB struct {
	conn         *sql.DB
	mu           sync.Mutex
	ftsAvailable bool
	dataDir      string // parent of the db file; nodes/ lives alongside it
	embedDims    int
}

// Open opens or creates the database at the given path, with the vector
// mirror table's fixed width set to dims (values below 1 are treated as
// 1).
func Open(path string, dims int) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var vecVersion string
	if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	db := &DB{conn: conn, dataDir: dir, embedDims: dims}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db := &DB{conn: conn, dataDir: os.TempDir(), embedDims: 8}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for callers that need direct access
// (e.g. the graph traversal queries).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// DataDir returns the directory the database file lives in; node JSON
// artifacts are written under <DataDir()>/../nodes.
func (db *DB) DataDir() string {
	return db.dataDir
}

func (db *DB) migrate() error {
	baseline := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, m := range baseline {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	currentVersion := db.SchemaVersion()
	versionedMigrations := []struct {
		version int
		fn      func() error
	}{
		{1, db.migrateV1}, // nodes, edges and JSON-blob-backed observation tables
		{2, db.migrateV2}, // lessons, model_quirks, tool_errors
		{3, db.migrateV3}, // embeddings (main + vec0 mirror)
		{4, db.migrateV4}, // jobs queue
		{5, db.migrateV5}, // aggregated_insights, clusters, cluster_members
		{6, db.migrateV6}, // prompt_versions, prompt_effectiveness
		{7, db.migrateV7}, // fts_nodes_summary
	}
	for _, m := range versionedMigrations {
		if currentVersion < m.version {
			if err := m.fn(); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
			if err := db.SetMeta("schema_version", strconv.Itoa(m.version)); err != nil {
				return fmt.Errorf("record migration v%d: %w", m.version, err)
			}
		}
	}
	return nil
}

func (db *DB) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			session_file TEXT NOT NULL,
			segment_start TEXT NOT NULL,
			segment_end TEXT NOT NULL,
			session_id TEXT NOT NULL,
			computer TEXT NOT NULL DEFAULT '',
			class_type TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			is_new_project INTEGER NOT NULL DEFAULT 0,
			had_clear_goal INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			key_decisions TEXT NOT NULL DEFAULT '[]',
			files_touched TEXT NOT NULL DEFAULT '[]',
			tools_used TEXT NOT NULL DEFAULT '[]',
			errors_seen TEXT NOT NULL DEFAULT '[]',
			models_used TEXT NOT NULL DEFAULT '[]',
			prompting_wins TEXT NOT NULL DEFAULT '[]',
			prompting_failures TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			topics TEXT NOT NULL DEFAULT '[]',
			friction_score REAL NOT NULL DEFAULT 0,
			friction_flags TEXT NOT NULL DEFAULT '{}',
			delight_score REAL NOT NULL DEFAULT 0,
			delight_flags TEXT NOT NULL DEFAULT '{}',
			daemon_decisions TEXT NOT NULL DEFAULT '[]',
			rlm_used INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			duration_minutes REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			analyzed_at TEXT NOT NULL,
			analyzer_version TEXT NOT NULL,
			artifact_path TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			PRIMARY KEY (id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_id ON nodes(id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_class_type ON nodes(class_type)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_outcome ON nodes(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_timestamp ON nodes(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_session_file ON nodes(session_file)`,

		`CREATE TABLE IF NOT EXISTS edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_node_id TEXT NOT NULL,
			to_node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			UNIQUE(from_node_id, to_node_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_kind ON edges(kind)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateV2() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lessons (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			level TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_node ON lessons(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_level ON lessons(level)`,

		`CREATE TABLE IF NOT EXISTS model_quirks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_quirks_node ON model_quirks(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_model_quirks_model ON model_quirks(model)`,

		`CREATE TABLE IF NOT EXISTS tool_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			tool TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_errors_node ON tool_errors(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_errors_tool ON tool_errors(tool)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateV3() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_embeddings (
			node_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			embedding BLOB NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS node_embeddings_vec USING vec0(
			node_rowid INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, maxInt(db.embedDims, 1)),
		`CREATE TABLE IF NOT EXISTS node_embedding_rowids (
			node_id TEXT PRIMARY KEY,
			rowid_value INTEGER NOT NULL UNIQUE
		)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateV4() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			session_file TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL,
			run_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			leased_until INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease_order ON jobs(state, run_at, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_kind_session ON jobs(kind, session_file)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_kind_node ON jobs(kind, node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_leased_until ON jobs(leased_until)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateV5() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aggregated_insights (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			pattern TEXT NOT NULL,
			frequency INTEGER NOT NULL DEFAULT 1,
			confidence REAL NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT 'low',
			workaround TEXT NOT NULL DEFAULT '',
			examples TEXT NOT NULL DEFAULT '[]',
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			prompt_text TEXT NOT NULL DEFAULT '',
			prompt_included INTEGER NOT NULL DEFAULT 0,
			prompt_version TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_type ON aggregated_insights(type)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_model ON aggregated_insights(model)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_tool ON aggregated_insights(tool)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_prompt_included ON aggregated_insights(prompt_included)`,

		`CREATE TABLE IF NOT EXISTS clusters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			node_count INTEGER NOT NULL DEFAULT 0,
			signal_type TEXT NOT NULL DEFAULT '',
			related_model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			algorithm TEXT NOT NULL,
			min_cluster_size INTEGER NOT NULL,
			centroid BLOB,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_members (
			cluster_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			PRIMARY KEY (cluster_id, node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_members_node ON cluster_members(node_id)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrateV6() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			version TEXT PRIMARY KEY,
			sequential INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			file_path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_versions_hash ON prompt_versions(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_versions_sequential ON prompt_versions(sequential)`,

		`CREATE TABLE IF NOT EXISTS prompt_effectiveness (
			id TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			prompt_version TEXT NOT NULL,
			before_occurrences INTEGER NOT NULL,
			before_severity TEXT NOT NULL,
			before_start TEXT NOT NULL,
			before_end TEXT NOT NULL,
			after_occurrences INTEGER NOT NULL,
			after_severity TEXT NOT NULL,
			after_start TEXT NOT NULL,
			after_end TEXT NOT NULL,
			improvement_pct REAL NOT NULL,
			statistically_significant INTEGER NOT NULL,
			sessions_before INTEGER NOT NULL,
			sessions_after INTEGER NOT NULL,
			measured_at TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			UNIQUE(insight_id, prompt_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_effectiveness_insight ON prompt_effectiveness(insight_id)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrateV7 creates an FTS5 virtual table for keyword fallback search over
// node summary documents. FTS5 is best-effort: unavailable builds leave
// ftsAvailable false and callers fall back to LIKE-based search.
func (db *DB) migrateV7() error {
	_, err := db.conn.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS fts_nodes_summary USING fts5(
		node_id UNINDEXED,
		document
	)`)
	if err != nil {
		db.ftsAvailable = false
		return nil
	}
	db.ftsAvailable = true
	return nil
}

// SchemaVersion returns the current schema version (0 if unset).
func (db *DB) SchemaVersion() int {
	v, ok := db.GetMeta("schema_version")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GetMeta reads a value from the schema_meta table.
func (db *DB) GetMeta(key string) (string, bool) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetMeta writes a key-value pair to the schema_meta table.
func (db *DB) SetMeta(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// hasColumn reports whether a table currently has a column.
func (db *DB) hasColumn(table, column string) bool {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryK); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// FTSAvailable returns true if the FTS5 module is available.
func (db *DB) FTSAvailable() bool {
	return db.ftsAvailable
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error if
// corruption is detected. The control plane refuses to start on failure.
func (db *DB) IntegrityCheck() error {
	var result string
	err := db.conn.QueryRow("PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return newStoreErr("integrityCheck", KindTransient, err)
	}
	if result != "ok" {
		return newStoreErr("integrityCheck", KindCorruption, fmt.Errorf("%s", result))
	}
	return nil
}

// Checkpoint forces a WAL checkpoint, folding the write-ahead log back
// into the main database file. The control plane calls this on graceful
// shutdown (spec §4.10/§5) so a restart doesn't need to replay a large
// WAL before serving reads.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// withRetry retries transient "database is busy" failures with capped
// exponential backoff, per spec's store-level retry contract.
func withRetry(op string, fn func() error) error {
	const maxAttempts = 5
	delay := 20 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
	}
	return newStoreErr(op, KindTransient, lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "busy")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
