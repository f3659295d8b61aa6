package log

import (
	"path/filepath"
	"testing"
	"time"

	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/store"
)

func TestStreamLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewStreamLogger(dir)
	entries := []world.TickLogEntry{
		{Tick: 1, Generated: []store.ChunkKey{{CX: 0, CZ: 0}}, Joined: []string{"p1"}, Resident: 1, Consumers: 1},
		{Tick: 9, Unloaded: []store.ChunkKey{{CX: -1, CZ: 2}}, Left: []string{"p1"}},
	}
	for _, e := range entries {
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "events"), "stream")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []world.TickLogEntry
	if err := ReadTicks(files[0], func(e world.TickLogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Generated[0] != (store.ChunkKey{}) || got[1].Unloaded[0].CX != -1 || got[1].Left[0] != "p1" {
		t.Fatalf("got=%+v", got)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "stream")
	base := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return base }
	if err := w.Write(world.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := w.Write(world.TickLogEntry{Tick: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := ListFiles(dir, "stream")
	if err != nil || len(files) != 2 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if filepath.Base(files[0]) != "stream-2024-03-01-10.jsonl.zst" {
		t.Fatalf("first file=%s", files[0])
	}
}
