// Package registry persists sink, source, module and autoload-rule
// definitions in an embedded SQLite database, the daemon's analogue of
// the client library's in-memory introspection tables.
//
// Migration design follows the teacher's store package: SQL statements
// live in the ordered [migrations] slice, each applied exactly once and
// tracked in schema_migrations. Append, never edit or reorder.
//
// Grounded on server/store/store.go.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — sinks
	`CREATE TABLE IF NOT EXISTS sinks (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		name                TEXT NOT NULL UNIQUE,
		description         TEXT NOT NULL DEFAULT '',
		owner_module        INTEGER NOT NULL DEFAULT 0,
		sample_format       INTEGER NOT NULL,
		sample_rate         INTEGER NOT NULL,
		sample_channels     INTEGER NOT NULL,
		volume              INTEGER NOT NULL DEFAULT 65536,
		created_at          INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — sources
	`CREATE TABLE IF NOT EXISTS sources (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		name                TEXT NOT NULL UNIQUE,
		description         TEXT NOT NULL DEFAULT '',
		owner_module        INTEGER NOT NULL DEFAULT 0,
		sample_format       INTEGER NOT NULL,
		sample_rate         INTEGER NOT NULL,
		sample_channels     INTEGER NOT NULL,
		monitor_of_sink     INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — modules
	`CREATE TABLE IF NOT EXISTS modules (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		argument   TEXT NOT NULL DEFAULT '',
		n_used     INTEGER NOT NULL DEFAULT 0,
		auto_unload INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — autoload rules
	`CREATE TABLE IF NOT EXISTS autoload_rules (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		name     TEXT NOT NULL,
		kind     INTEGER NOT NULL,
		module   TEXT NOT NULL,
		argument TEXT NOT NULL DEFAULT '',
		UNIQUE(name, kind)
	)`,
	// v5 — cached upload samples
	`CREATE TABLE IF NOT EXISTS samples (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		volume          INTEGER NOT NULL DEFAULT 65536,
		sample_format   INTEGER NOT NULL,
		sample_rate     INTEGER NOT NULL,
		sample_channels INTEGER NOT NULL,
		bytes           INTEGER NOT NULL DEFAULT 0,
		lazy            INTEGER NOT NULL DEFAULT 0,
		filename        TEXT NOT NULL DEFAULT ''
	)`,
	// v6, v7 — indexes
	`CREATE INDEX IF NOT EXISTS idx_sinks_owner ON sinks(owner_module)`,
	`CREATE INDEX IF NOT EXISTS idx_sources_owner ON sources(owner_module)`,
	// v8 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
	// v9, v10 — mute flags
	`ALTER TABLE sinks ADD COLUMN muted INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE sources ADD COLUMN muted INTEGER NOT NULL DEFAULT 0`,
	// v11 — default device selection
	`CREATE TABLE IF NOT EXISTS defaults (
		kind INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`,
}

// DefaultSink and DefaultSource key the defaults table.
const (
	DefaultSink   = 0
	DefaultSource = 1
)

// Registry wraps a SQLite database holding the daemon's sink/source/
// module/autoload/sample tables.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[registry] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[registry] busy_timeout: %v (non-fatal)", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return r, nil
}

// Close releases the database connection.
func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := r.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := r.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[registry] applied migration v%d", v)
	}
	return nil
}

// Sink is one persisted sink row.
type Sink struct {
	Index         uint32
	Name          string
	Description   string
	OwnerModule   uint32
	Format        uint32
	Rate          uint32
	Channels      uint32
	Volume        uint32
	Muted         bool
	MonitorSource uint32
}

// CreateSink inserts a sink and returns its assigned index.
func (r *Registry) CreateSink(s Sink) (uint32, error) {
	res, err := r.db.Exec(
		`INSERT INTO sinks(name, description, owner_module, sample_format, sample_rate, sample_channels, volume)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Description, s.OwnerModule, s.Format, s.Rate, s.Channels, s.Volume,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: create sink: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// GetSinkByIndex returns the sink with the given index.
func (r *Registry) GetSinkByIndex(index uint32) (Sink, error) {
	return r.scanSink(r.db.QueryRow(
		`SELECT id, name, description, owner_module, sample_format, sample_rate, sample_channels, volume, muted
		 FROM sinks WHERE id = ?`, index))
}

// GetSinkByName returns the sink with the given name.
func (r *Registry) GetSinkByName(name string) (Sink, error) {
	return r.scanSink(r.db.QueryRow(
		`SELECT id, name, description, owner_module, sample_format, sample_rate, sample_channels, volume, muted
		 FROM sinks WHERE name = ?`, name))
}

func (r *Registry) scanSink(row *sql.Row) (Sink, error) {
	var s Sink
	var muted int
	err := row.Scan(&s.Index, &s.Name, &s.Description, &s.OwnerModule, &s.Format, &s.Rate, &s.Channels, &s.Volume, &muted)
	s.Muted = muted != 0
	return s, err
}

// ListSinks returns every sink ordered by index.
func (r *Registry) ListSinks() ([]Sink, error) {
	rows, err := r.db.Query(
		`SELECT id, name, description, owner_module, sample_format, sample_rate, sample_channels, volume, muted
		 FROM sinks ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sink
	for rows.Next() {
		var s Sink
		var muted int
		if err := rows.Scan(&s.Index, &s.Name, &s.Description, &s.OwnerModule, &s.Format, &s.Rate, &s.Channels, &s.Volume, &muted); err != nil {
			return nil, err
		}
		s.Muted = muted != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSinkVolume updates a sink's volume field.
func (r *Registry) SetSinkVolume(index uint32, volume uint32) error {
	return r.mustAffect(r.db.Exec(`UPDATE sinks SET volume = ? WHERE id = ?`, volume, index))
}

// SetSinkMute updates a sink's muted flag.
func (r *Registry) SetSinkMute(index uint32, muted bool) error {
	v := 0
	if muted {
		v = 1
	}
	return r.mustAffect(r.db.Exec(`UPDATE sinks SET muted = ? WHERE id = ?`, v, index))
}

// DeleteSink removes a sink by index.
func (r *Registry) DeleteSink(index uint32) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM sinks WHERE id = ?`, index))
}

// Source is one persisted source row.
type Source struct {
	Index         uint32
	Name          string
	Description   string
	OwnerModule   uint32
	Format        uint32
	Rate          uint32
	Channels      uint32
	Muted         bool
	MonitorOfSink uint32
}

// CreateSource inserts a source and returns its assigned index.
func (r *Registry) CreateSource(s Source) (uint32, error) {
	res, err := r.db.Exec(
		`INSERT INTO sources(name, description, owner_module, sample_format, sample_rate, sample_channels, monitor_of_sink)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Description, s.OwnerModule, s.Format, s.Rate, s.Channels, s.MonitorOfSink,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: create source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// ListSources returns every source ordered by index.
func (r *Registry) ListSources() ([]Source, error) {
	rows, err := r.db.Query(
		`SELECT id, name, description, owner_module, sample_format, sample_rate, sample_channels, muted, monitor_of_sink
		 FROM sources ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		var muted int
		if err := rows.Scan(&s.Index, &s.Name, &s.Description, &s.OwnerModule, &s.Format, &s.Rate, &s.Channels, &muted, &s.MonitorOfSink); err != nil {
			return nil, err
		}
		s.Muted = muted != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSource removes a source by index.
func (r *Registry) DeleteSource(index uint32) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM sources WHERE id = ?`, index))
}

// SetSourceMute updates a source's muted flag.
func (r *Registry) SetSourceMute(index uint32, muted bool) error {
	v := 0
	if muted {
		v = 1
	}
	return r.mustAffect(r.db.Exec(`UPDATE sources SET muted = ? WHERE id = ?`, v, index))
}

// SetDefaultSink records name as the default sink.
func (r *Registry) SetDefaultSink(name string) error {
	return r.setDefault(DefaultSink, name)
}

// GetDefaultSink returns the name of the default sink, or "" if unset.
func (r *Registry) GetDefaultSink() (string, error) {
	return r.getDefault(DefaultSink)
}

// SetDefaultSource records name as the default source.
func (r *Registry) SetDefaultSource(name string) error {
	return r.setDefault(DefaultSource, name)
}

// GetDefaultSource returns the name of the default source, or "" if unset.
func (r *Registry) GetDefaultSource() (string, error) {
	return r.getDefault(DefaultSource)
}

func (r *Registry) setDefault(kind int, name string) error {
	_, err := r.db.Exec(
		`INSERT INTO defaults(kind, name) VALUES(?, ?)
		 ON CONFLICT(kind) DO UPDATE SET name = excluded.name`,
		kind, name,
	)
	if err != nil {
		return fmt.Errorf("registry: set default: %w", err)
	}
	return nil
}

func (r *Registry) getDefault(kind int) (string, error) {
	var name string
	err := r.db.QueryRow(`SELECT name FROM defaults WHERE kind = ?`, kind).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// Module is one persisted loaded-module row. InstanceID is an opaque
// uuid; Index is the small integer the wire protocol actually carries.
type Module struct {
	Index      uint32
	InstanceID string
	Name       string
	Argument   string
	NUsed      uint32
	AutoUnload bool
}

// LoadModule records a newly loaded module and returns its wire index.
func (r *Registry) LoadModule(name, argument string) (uint32, error) {
	id := uuid.NewString()
	res, err := r.db.Exec(
		`INSERT INTO modules(instance_id, name, argument) VALUES(?, ?, ?)`,
		id, name, argument,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: load module: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(rowID), nil
}

// UnloadModule removes a previously loaded module by wire index.
func (r *Registry) UnloadModule(index uint32) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM modules WHERE id = ?`, index))
}

// ListModules returns every loaded module ordered by index.
func (r *Registry) ListModules() ([]Module, error) {
	rows, err := r.db.Query(
		`SELECT id, instance_id, name, argument, n_used, auto_unload FROM modules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Module
	for rows.Next() {
		var m Module
		var autoUnload int
		if err := rows.Scan(&m.Index, &m.InstanceID, &m.Name, &m.Argument, &m.NUsed, &autoUnload); err != nil {
			return nil, err
		}
		m.AutoUnload = autoUnload != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetModule returns the loaded module with the given wire index.
func (r *Registry) GetModule(index uint32) (Module, error) {
	var m Module
	var autoUnload int
	err := r.db.QueryRow(
		`SELECT id, instance_id, name, argument, n_used, auto_unload FROM modules WHERE id = ?`, index,
	).Scan(&m.Index, &m.InstanceID, &m.Name, &m.Argument, &m.NUsed, &autoUnload)
	m.AutoUnload = autoUnload != 0
	return m, err
}

// AutoloadRule is one persisted "load module(argument) on first access
// to name" rule.
type AutoloadRule struct {
	Index    uint32
	Name     string
	Kind     uint32
	Module   string
	Argument string
}

// AddAutoload inserts or replaces an autoload rule keyed on (name, kind).
func (r *Registry) AddAutoload(rule AutoloadRule) (uint32, error) {
	res, err := r.db.Exec(
		`INSERT INTO autoload_rules(name, kind, module, argument) VALUES(?, ?, ?, ?)
		 ON CONFLICT(name, kind) DO UPDATE SET module = excluded.module, argument = excluded.argument`,
		rule.Name, rule.Kind, rule.Module, rule.Argument,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: add autoload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// GetAutoloadByName looks up a rule by trigger name and type.
func (r *Registry) GetAutoloadByName(name string, kind uint32) (AutoloadRule, error) {
	var a AutoloadRule
	err := r.db.QueryRow(
		`SELECT id, name, kind, module, argument FROM autoload_rules WHERE name = ? AND kind = ?`,
		name, kind,
	).Scan(&a.Index, &a.Name, &a.Kind, &a.Module, &a.Argument)
	return a, err
}

// GetAutoloadByIndex looks up a rule by its row index.
func (r *Registry) GetAutoloadByIndex(index uint32) (AutoloadRule, error) {
	var a AutoloadRule
	err := r.db.QueryRow(
		`SELECT id, name, kind, module, argument FROM autoload_rules WHERE id = ?`, index,
	).Scan(&a.Index, &a.Name, &a.Kind, &a.Module, &a.Argument)
	return a, err
}

// ListAutoload returns every autoload rule ordered by index.
func (r *Registry) ListAutoload() ([]AutoloadRule, error) {
	rows, err := r.db.Query(`SELECT id, name, kind, module, argument FROM autoload_rules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AutoloadRule
	for rows.Next() {
		var a AutoloadRule
		if err := rows.Scan(&a.Index, &a.Name, &a.Kind, &a.Module, &a.Argument); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveAutoloadByName deletes a rule by trigger name and type.
func (r *Registry) RemoveAutoloadByName(name string, kind uint32) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM autoload_rules WHERE name = ? AND kind = ?`, name, kind))
}

// RemoveAutoloadByIndex deletes a rule by its row index.
func (r *Registry) RemoveAutoloadByIndex(index uint32) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM autoload_rules WHERE id = ?`, index))
}

// Sample is one persisted cached-upload-sample row.
type Sample struct {
	Index    uint32
	Name     string
	Volume   uint32
	Format   uint32
	Rate     uint32
	Channels uint32
	Bytes    uint32
	Lazy     bool
	Filename string
}

// AddSample inserts or replaces a cached sample by name.
func (r *Registry) AddSample(s Sample) (uint32, error) {
	lazy := 0
	if s.Lazy {
		lazy = 1
	}
	res, err := r.db.Exec(
		`INSERT INTO samples(name, volume, sample_format, sample_rate, sample_channels, bytes, lazy, filename)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET volume=excluded.volume, sample_format=excluded.sample_format,
		   sample_rate=excluded.sample_rate, sample_channels=excluded.sample_channels,
		   bytes=excluded.bytes, lazy=excluded.lazy, filename=excluded.filename`,
		s.Name, s.Volume, s.Format, s.Rate, s.Channels, s.Bytes, lazy, s.Filename,
	)
	if err != nil {
		return 0, fmt.Errorf("registry: add sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// GetSampleByName looks up a cached sample by name.
func (r *Registry) GetSampleByName(name string) (Sample, error) {
	return r.scanSample(r.db.QueryRow(
		`SELECT id, name, volume, sample_format, sample_rate, sample_channels, bytes, lazy, filename
		 FROM samples WHERE name = ?`, name))
}

// GetSampleByIndex looks up a cached sample by index.
func (r *Registry) GetSampleByIndex(index uint32) (Sample, error) {
	return r.scanSample(r.db.QueryRow(
		`SELECT id, name, volume, sample_format, sample_rate, sample_channels, bytes, lazy, filename
		 FROM samples WHERE id = ?`, index))
}

func (r *Registry) scanSample(row *sql.Row) (Sample, error) {
	var s Sample
	var lazy int
	err := row.Scan(&s.Index, &s.Name, &s.Volume, &s.Format, &s.Rate, &s.Channels, &s.Bytes, &lazy, &s.Filename)
	s.Lazy = lazy != 0
	return s, err
}

// ListSamples returns every cached sample ordered by index.
func (r *Registry) ListSamples() ([]Sample, error) {
	rows, err := r.db.Query(
		`SELECT id, name, volume, sample_format, sample_rate, sample_channels, bytes, lazy, filename
		 FROM samples ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var lazy int
		if err := rows.Scan(&s.Index, &s.Name, &s.Volume, &s.Format, &s.Rate, &s.Channels, &s.Bytes, &lazy, &s.Filename); err != nil {
			return nil, err
		}
		s.Lazy = lazy != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// RemoveSample deletes a cached sample by name.
func (r *Registry) RemoveSample(name string) error {
	return r.mustAffect(r.db.Exec(`DELETE FROM samples WHERE name = ?`, name))
}

func (r *Registry) mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
