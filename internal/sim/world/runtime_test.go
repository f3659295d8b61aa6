package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// memStore keeps saved chunks as copies so loads return fresh instances.
type memStore struct {
	chunks  map[store.ChunkKey]store.Chunk
	players map[string][]byte
	saves   int
	flushes int
	counter uint32
	// failLoads makes the next n LoadChunks calls fail.
	failLoads int
}

func newMemStore() *memStore {
	return &memStore{chunks: map[store.ChunkKey]store.Chunk{}, players: map[string][]byte{}}
}

func (m *memStore) SaveChunk(c *store.Chunk) error {
	m.chunks[c.Key] = *c
	m.saves++
	c.MarkClean()
	return nil
}

func (m *memStore) LoadChunks(keys []store.ChunkKey) ([]*store.Chunk, error) {
	if m.failLoads > 0 {
		m.failLoads--
		return nil, errors.New("read error")
	}
	out := make([]*store.Chunk, 0, len(keys))
	for _, k := range keys {
		c, ok := m.chunks[k]
		if !ok {
			return nil, errors.New("not generated")
		}
		cp := c
		cp.KeepLoaded = false
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) KnownChunks() ([]store.ChunkKey, error) {
	var out []store.ChunkKey
	for k := range m.chunks {
		out = append(out, k)
	}
	return out, nil
}

func (m *memStore) SavePlayer(id string, b []byte) error {
	m.players[id] = append([]byte(nil), b...)
	return nil
}

func (m *memStore) LoadPlayer(id string) ([]byte, bool, error) {
	b, ok := m.players[id]
	return b, ok, nil
}

func (m *memStore) NextEntityID() uint32 {
	m.counter++
	return m.counter
}

func (m *memStore) Flush() error {
	m.flushes++
	return nil
}

type flatGen struct{ calls int }

func (g *flatGen) Generate(keys []store.ChunkKey) []*store.Chunk {
	g.calls++
	out := make([]*store.Chunk, len(keys))
	for i, k := range keys {
		c := store.New(k)
		c.Set(0, 0, store.Tile{Tileset: 2})
		c.Initialised = true
		out[i] = c
	}
	return out
}

type memTickLog struct{ entries []TickLogEntry }

func (l *memTickLog) WriteTick(e TickLogEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

func newTestRuntime(t *testing.T, st *memStore, cfg RuntimeConfig) (*Runtime, *memTickLog) {
	t.Helper()
	tl := &memTickLog{}
	r, err := NewRuntime(cfg, st, &flatGen{}, entities.Default(), WithTickLogger(tl))
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	return r, tl
}

func recv(t *testing.T, ch chan ClientEvent) ClientEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	default:
		t.Fatalf("no event queued")
	}
	return ClientEvent{}
}

func TestRuntimeSpawnAreaPinned(t *testing.T) {
	st := newMemStore()
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 1, SpawnKeepRadius: 1})
	if r.World().LoadedCount() != 9 {
		t.Fatalf("resident=%d want 9", r.World().LoadedCount())
	}
	if st.saves != 9 {
		t.Fatalf("generated spawn chunks should be saved, saves=%d", st.saves)
	}
	c, _ := r.World().GetChunk(store.ChunkKey{CX: 1, CZ: -1})
	if !c.KeepLoaded {
		t.Fatalf("spawn chunk not keep-loaded")
	}
}

func TestRuntimeJoinMoveLeave(t *testing.T) {
	st := newMemStore()
	st.players["p1"] = []byte("saved")
	r, tl := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 1, SpawnKeepRadius: -1})

	out := make(chan ClientEvent, 16)
	resp := make(chan JoinResponse, 1)
	r.step([]JoinRequest{{ID: "p1", Center: store.ChunkKey{CX: 10, CZ: 10}, Out: out, Resp: resp}}, nil, nil, nil)

	jr := <-resp
	if jr.Err != nil || string(jr.PlayerData) != "saved" {
		t.Fatalf("join resp=%+v", jr)
	}
	ev := recv(t, out)
	if ev.Kind != EventChunks || len(ev.Chunks) != 9 {
		t.Fatalf("first event kind=%s chunks=%d", ev.Kind, len(ev.Chunks))
	}
	if len(ev.Chunks[0].Body) != store.BodyBytesPerChunk {
		t.Fatalf("body=%d bytes", len(ev.Chunks[0].Body))
	}
	if len(tl.entries) != 1 || len(tl.entries[0].Generated) != 9 || tl.entries[0].Joined[0] != "p1" {
		t.Fatalf("tick log=%+v", tl.entries)
	}

	r.step(nil, []MoveRequest{{ID: "p1", Center: store.ChunkKey{CX: 11, CZ: 10}}}, nil, nil)
	unload := recv(t, out)
	if unload.Kind != EventUnload || len(unload.Unloaded) != 3 || unload.Unloaded[0].CX != 9 {
		t.Fatalf("unload event=%+v", unload)
	}
	more := recv(t, out)
	if more.Kind != EventChunks || len(more.Chunks) != 3 || more.Chunks[0].Key.CX != 12 {
		t.Fatalf("chunk event=%+v", more)
	}
	if r.World().LoadedCount() != 9 {
		t.Fatalf("resident=%d", r.World().LoadedCount())
	}

	r.step(nil, nil, []string{"p1"}, nil)
	if _, ok := <-out; ok {
		t.Fatalf("out should be closed after leave")
	}
	if r.World().LoadedCount() != 0 {
		t.Fatalf("resident after leave=%d", r.World().LoadedCount())
	}
	if st.chunks[store.ChunkKey{CX: 9, CZ: 10}].Tiles[0].Tileset != 2 {
		t.Fatalf("evicted chunk not flushed to the store")
	}
}

func TestRuntimeEditVisibleToSharingConsumers(t *testing.T) {
	st := newMemStore()
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 0, SpawnKeepRadius: -1})
	a := make(chan ClientEvent, 8)
	b := make(chan ClientEvent, 8)
	r.step([]JoinRequest{
		{ID: "a", Center: store.ChunkKey{CX: 2, CZ: 2}, Out: a},
		{ID: "b", Center: store.ChunkKey{CX: 2, CZ: 2}, Out: b},
	}, nil, nil, nil)
	recv(t, a)
	recv(t, b)

	resp := make(chan EditResult, 1)
	r.step(nil, nil, nil, []EditRequest{{ID: "a", X: 2*16 + 3, Z: 2*16 + 4, Type: entities.TypeChest, Resp: resp}})
	res := <-resp
	if res.Err != nil || res.Instance != 1 {
		t.Fatalf("edit=%+v", res)
	}
	for _, ch := range []chan ClientEvent{a, b} {
		ev := recv(t, ch)
		if ev.Kind != EventChunks || ev.Chunks[0].Key != (store.ChunkKey{CX: 2, CZ: 2}) {
			t.Fatalf("edit broadcast=%+v", ev)
		}
	}
	c, _ := r.World().GetChunk(store.ChunkKey{CX: 2, CZ: 2})
	if _, ok := c.Get(3, 4).Entity.(*entities.Chest); !ok || !c.Dirty() {
		t.Fatalf("chest not placed on shared chunk")
	}

	r.step(nil, nil, nil, []EditRequest{{ID: "a", X: 900, Z: 900, Type: entities.TypeRock, Resp: resp}})
	if res := <-resp; !errors.Is(res.Err, ErrChunkNotLoaded) {
		t.Fatalf("edit outside loaded area: %v", res.Err)
	}
}

func TestRuntimeSlowConsumerDropped(t *testing.T) {
	st := newMemStore()
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 0, SpawnKeepRadius: -1})
	out := make(chan ClientEvent)
	r.step([]JoinRequest{{ID: "slow", Out: out}}, nil, nil, nil)
	if r.World().ConsumerCount() != 0 {
		t.Fatalf("slow consumer should be removed")
	}
	if _, ok := <-out; ok {
		t.Fatalf("slow consumer channel should be closed")
	}
}

func TestRuntimeRunSavesOnStop(t *testing.T) {
	st := newMemStore()
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 200, ViewRadius: 0, SpawnKeepRadius: 0})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := r.RequestStats(ctx)
	if err != nil || stats.Resident != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	saved := make(chan error, 1)
	r.PlayerData() <- PlayerDataRequest{ID: "x", Data: []byte("d"), Resp: saved}
	if err := <-saved; err != nil {
		t.Fatalf("player save: %v", err)
	}

	before := st.saves
	r.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.saves != before+1 || st.flushes == 0 {
		t.Fatalf("shutdown should save the pinned chunk and flush: saves=%d flushes=%d", st.saves-before, st.flushes)
	}
	if string(st.players["x"]) != "d" {
		t.Fatalf("player data not stored")
	}
}

func TestRuntimeRetriesFailedLoad(t *testing.T) {
	st := newMemStore()
	st.chunks[k(0, 0)] = *store.New(k(0, 0))
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 0, SpawnKeepRadius: -1})
	st.failLoads = 1

	out := make(chan ClientEvent, 8)
	r.step([]JoinRequest{{ID: "p1", Out: out}}, nil, nil, nil)
	if _, ok := r.World().GetChunk(k(0, 0)); ok {
		t.Fatalf("chunk resident despite failed load")
	}
	if len(out) != 0 {
		t.Fatalf("nothing should be sent for a failed load, got %d events", len(out))
	}

	r.step(nil, nil, nil, nil)
	if _, ok := r.World().GetChunk(k(0, 0)); !ok {
		t.Fatalf("failed load not retried on the next tick")
	}
	ev := recv(t, out)
	if ev.Kind != EventChunks || len(ev.Chunks) != 1 || ev.Chunks[0].Key != k(0, 0) {
		t.Fatalf("retry event=%+v", ev)
	}
}

func TestRuntimeReconnectWithinOneTick(t *testing.T) {
	st := newMemStore()
	r, _ := newTestRuntime(t, st, RuntimeConfig{TickRateHz: 10, ViewRadius: 0, SpawnKeepRadius: -1})
	first := make(chan ClientEvent, 8)
	r.step([]JoinRequest{{ID: "p1", Out: first}}, nil, nil, nil)

	second := make(chan ClientEvent, 8)
	resp := make(chan JoinResponse, 1)
	r.step([]JoinRequest{{ID: "p1", Out: second, Resp: resp}}, nil, []string{"p1"}, nil)
	if jr := <-resp; jr.Err != nil {
		t.Fatalf("rejoin in the same tick as the leave: %v", jr.Err)
	}
	if r.World().ConsumerCount() != 1 {
		t.Fatalf("consumers=%d want 1", r.World().ConsumerCount())
	}
	recv(t, second)
}
