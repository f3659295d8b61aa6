package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"tileworld.ai/internal/persistence/gamefile"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/store"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: world.TickLogEntry{Tick: 1}}

	_ = s.WriteTick(world.TickLogEntry{Tick: 2})
	s.RecordChunkSave(gamefile.ChunkSaveRecord{})
	s.RecordPlayerSave("p1", 3)
	s.RecordBackup(BackupRow{Path: "/tmp/b.tar.zst"})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropChunkTotal != 1 || st.DropPlayerTotal != 1 || st.DropBackupTotal != 1 {
		t.Fatalf("drop stats mismatch: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RecordsSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "world.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	k := store.ChunkKey{CX: -1, CZ: 33}
	s.RecordChunkSave(gamefile.ChunkSaveRecord{Key: k, Region: k.Region(), Block: 0, New: true, Entities: 2})
	s.RecordChunkSave(gamefile.ChunkSaveRecord{Key: k, Region: k.Region(), Block: 0, Entities: 3})
	s.RecordPlayerSave("p1", 10)
	s.RecordPlayerSave("p1", 12)
	_ = s.WriteTick(world.TickLogEntry{Tick: 7, Generated: []store.ChunkKey{k}, Resident: 1, Consumers: 1})
	s.RecordBackup(BackupRow{Path: "/b/x.tar.zst", Game: "g", Files: 4, SizeBytes: 99})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	_, rows, err := s.Query(ctx, "SELECT rx, rz, entities, saves FROM chunks WHERE cx=? AND cz=?", -1, 33)
	if err != nil {
		t.Fatalf("query chunks: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "-1" || rows[0][1] != "1" || rows[0][2] != "3" || rows[0][3] != "2" {
		t.Fatalf("chunk rows=%v", rows)
	}

	_, rows, err = s.Query(ctx, "SELECT size, saves FROM players WHERE id='p1'")
	if err != nil || len(rows) != 1 || rows[0][0] != "12" || rows[0][1] != "2" {
		t.Fatalf("player rows=%v err=%v", rows, err)
	}

	cols, rows, err := s.Query(ctx, "SELECT tick, generated, resident FROM ticks")
	if err != nil || len(cols) != 3 || len(rows) != 1 || rows[0][0] != "7" || rows[0][1] != "1" {
		t.Fatalf("tick rows=%v err=%v", rows, err)
	}

	_, rows, err = s.Query(ctx, "SELECT game, files, size_bytes FROM backups")
	if err != nil || len(rows) != 1 || rows[0][0] != "g" || rows[0][2] != "99" {
		t.Fatalf("backup rows=%v err=%v", rows, err)
	}
}

func TestSQLiteIndex_WritesAfterCloseIgnored(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "i.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	s.RecordPlayerSave("late", 1)
	if st := s.Stats(); st.DropPlayerTotal != 0 {
		t.Fatalf("closed index should ignore writes: %+v", st)
	}
}
