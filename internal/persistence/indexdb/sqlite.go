// Package indexdb keeps a queryable sqlite read-model of save activity. It is
// never consulted when loading a game; region files remain the source of
// truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"tileworld.ai/internal/persistence/gamefile"
	"tileworld.ai/internal/sim/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChunk  atomic.Uint64
	dropPlayer atomic.Uint64
	dropTick   atomic.Uint64
	dropBackup atomic.Uint64
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqPlayer
	reqTick
	reqBackup
)

type req struct {
	kind reqKind
	at   string

	chunk  gamefile.ChunkSaveRecord
	player playerRow
	tick   world.TickLogEntry
	backup BackupRow
}

type playerRow struct {
	ID   string
	Size int
}

type BackupRow struct {
	Path      string `json:"path"`
	Game      string `json:"game"`
	Files     int    `json:"files"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	DropChunkTotal  uint64
	DropPlayerTotal uint64
	DropTickTotal   uint64
	DropBackupTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			rx INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			block INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			saves INTEGER NOT NULL,
			first_saved_at TEXT NOT NULL,
			last_saved_at TEXT NOT NULL,
			PRIMARY KEY (cx, cz)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_region ON chunks(rx, rz, block);`,
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			saves INTEGER NOT NULL,
			last_saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			loaded INTEGER NOT NULL,
			generated INTEGER NOT NULL,
			unloaded INTEGER NOT NULL,
			saved INTEGER NOT NULL,
			resident INTEGER NOT NULL,
			consumers INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS backups (
			path TEXT PRIMARY KEY,
			game TEXT NOT NULL,
			files INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropChunkTotal:  s.dropChunk.Load(),
		DropPlayerTotal: s.dropPlayer.Load(),
		DropTickTotal:   s.dropTick.Load(),
		DropBackupTotal: s.dropBackup.Load(),
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// enqueue never blocks the caller; when the writer falls behind the request
// is dropped and counted.
func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	r.at = now()
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordChunkSave(rec gamefile.ChunkSaveRecord) {
	s.enqueue(req{kind: reqChunk, chunk: rec}, &s.dropChunk)
}

func (s *SQLiteIndex) RecordPlayerSave(id string, size int) {
	s.enqueue(req{kind: reqPlayer, player: playerRow{ID: id, Size: size}}, &s.dropPlayer)
}

func (s *SQLiteIndex) WriteTick(e world.TickLogEntry) error {
	s.enqueue(req{kind: reqTick, tick: e}, &s.dropTick)
	return nil
}

func (s *SQLiteIndex) RecordBackup(b BackupRow) {
	if b.CreatedAt == "" {
		b.CreatedAt = now()
	}
	s.enqueue(req{kind: reqBackup, backup: b}, &s.dropBackup)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertChunk, _ := s.db.Prepare(`INSERT INTO chunks(cx,cz,rx,rz,block,entities,saves,first_saved_at,last_saved_at)
		VALUES(?,?,?,?,?,?,1,?,?)
		ON CONFLICT(cx,cz) DO UPDATE SET block=excluded.block, entities=excluded.entities,
			saves=chunks.saves+1, last_saved_at=excluded.last_saved_at`)
	upsertPlayer, _ := s.db.Prepare(`INSERT INTO players(id,size,saves,last_saved_at) VALUES(?,?,1,?)
		ON CONFLICT(id) DO UPDATE SET size=excluded.size, saves=players.saves+1, last_saved_at=excluded.last_saved_at`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,loaded,generated,unloaded,saved,resident,consumers,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertBackup, _ := s.db.Prepare(`INSERT OR REPLACE INTO backups(path,game,files,size_bytes,created_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertChunk, upsertPlayer, insertTick, insertBackup} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChunk:
			c := r.chunk
			exec(upsertChunk, c.Key.CX, c.Key.CZ, c.Region.RX, c.Region.RZ, int(c.Block), c.Entities, r.at, r.at)
		case reqPlayer:
			exec(upsertPlayer, r.player.ID, r.player.Size, r.at)
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), len(t.Loaded), len(t.Generated), len(t.Unloaded), t.Saved, t.Resident, t.Consumers, string(raw))
		case reqBackup:
			b := r.backup
			exec(insertBackup, b.Path, b.Game, b.Files, b.SizeBytes, b.CreatedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

// Query runs a read-only statement and returns column names and rows with
// every value rendered as text.
func (s *SQLiteIndex) Query(ctx context.Context, q string, args ...any) ([]string, [][]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}
