package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/terrain/store"
)

var (
	ErrUnknownConsumer = errors.New("unknown consumer")
	ErrDuplicateJoin   = errors.New("consumer already joined")
	ErrChunkNotLoaded  = errors.New("chunk not loaded")
)

type client struct {
	id     string
	center store.ChunkKey
	out    chan ClientEvent
	// view is what the client has been sent.
	view keySet
	// incomplete is set while part of the window failed to load.
	incomplete bool
}

// Runtime owns the World and the Store and serializes every call to them on
// the goroutine running Run.
type Runtime struct {
	cfg      RuntimeConfig
	store    Store
	reg      *entities.Registry
	world    *World
	streamer *Streamer
	logger   *log.Logger
	tickLog  TickLogger

	tick    atomic.Uint64
	clients map[string]*client

	join   chan JoinRequest
	move   chan MoveRequest
	leave  chan string
	edit   chan EditRequest
	player chan PlayerDataRequest
	stats  chan chan Stats
	stop   chan struct{}
	done   chan struct{}

	entry TickLogEntry
}

type RuntimeOption func(*Runtime)

func WithRuntimeLogger(l *log.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

func WithTickLogger(tl TickLogger) RuntimeOption {
	return func(r *Runtime) { r.tickLog = tl }
}

// NewRuntime seeds the known set from st and loads the spawn area.
func NewRuntime(cfg RuntimeConfig, st Store, gen Generator, reg *entities.Registry, opts ...RuntimeOption) (*Runtime, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be > 0, got %d", cfg.TickRateHz)
	}
	if reg == nil {
		reg = entities.Default()
	}
	r := &Runtime{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		clients: map[string]*client{},
		join:    make(chan JoinRequest, 64),
		move:    make(chan MoveRequest, 256),
		leave:   make(chan string, 64),
		edit:    make(chan EditRequest, 256),
		player:  make(chan PlayerDataRequest, 64),
		stats:   make(chan chan Stats, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.world = New(st, WithLogger(r.logger))
	r.streamer = NewStreamer(r.world, st, gen)

	known, err := st.KnownChunks()
	if err != nil {
		return nil, fmt.Errorf("scan known chunks: %w", err)
	}
	r.world.RegisterKnown(known...)
	r.logf("known chunks: %d", len(known))

	if cfg.SpawnKeepRadius >= 0 {
		var need []store.ChunkKey
		for _, k := range Window(store.ChunkKey{}, cfg.SpawnKeepRadius) {
			d, err := r.world.SetKeepLoaded(k, true)
			if err != nil {
				return nil, err
			}
			need = append(need, d.NeedLoad...)
		}
		if _, _, err := r.streamer.Fulfil(need); err != nil {
			return nil, fmt.Errorf("load spawn area: %w", err)
		}
		r.logf("spawn area pinned: %d chunks", len(need))
	}
	return r, nil
}

func (r *Runtime) World() *World { return r.world }

func (r *Runtime) Registry() *entities.Registry { return r.reg }

func (r *Runtime) Join() chan<- JoinRequest             { return r.join }
func (r *Runtime) Move() chan<- MoveRequest             { return r.move }
func (r *Runtime) Leave() chan<- string                 { return r.leave }
func (r *Runtime) Edit() chan<- EditRequest             { return r.edit }
func (r *Runtime) PlayerData() chan<- PlayerDataRequest { return r.player }

func (r *Runtime) ViewRadius() int { return r.cfg.ViewRadius }

// RequestStats asks the loop for a snapshot; it blocks until the next
// request is served.
func (r *Runtime) RequestStats(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	select {
	case r.stats <- ch:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Runtime) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// Run processes requests until ctx is done or Stop is called, then saves
// every resident chunk and flushes the store.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.done)
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		pendingJoins  []JoinRequest
		pendingMoves  []MoveRequest
		pendingLeaves []string
		pendingEdits  []EditRequest
	)

	for {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), r.shutdown())
		case <-r.stop:
			return r.shutdown()
		case req := <-r.join:
			pendingJoins = append(pendingJoins, req)
		case req := <-r.move:
			pendingMoves = append(pendingMoves, req)
		case id := <-r.leave:
			pendingLeaves = append(pendingLeaves, id)
		case req := <-r.edit:
			pendingEdits = append(pendingEdits, req)
		case req := <-r.player:
			r.handlePlayerData(req)
		case ch := <-r.stats:
			ch <- r.snapshotStats()
		case <-ticker.C:
			r.step(pendingJoins, pendingMoves, pendingLeaves, pendingEdits)
			pendingJoins = pendingJoins[:0]
			pendingMoves = pendingMoves[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingEdits = pendingEdits[:0]
		}
	}
}

func (r *Runtime) Stop() { close(r.stop) }

// Done is closed once Run has returned.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// step runs one tick: load retries, leaves, joins, moves, then edits.
func (r *Runtime) step(joins []JoinRequest, moves []MoveRequest, leaves []string, edits []EditRequest) {
	tick := r.tick.Load()
	r.entry = TickLogEntry{Tick: tick}
	changed := false

	// Windows left incomplete by a failed load on an earlier tick.
	for _, id := range sortedIDs(r.clients) {
		if c, ok := r.clients[id]; ok && c.incomplete {
			r.refreshWindow(c)
		}
	}
	// Leaves go first so a player reconnecting within one tick is not
	// refused as a duplicate.
	for _, id := range leaves {
		r.handleLeave(id)
		changed = true
	}
	for _, req := range joins {
		r.handleJoin(req)
		changed = true
	}
	for _, req := range moves {
		r.handleMove(req)
	}
	for _, req := range edits {
		r.handleEdit(req)
	}

	if n := r.cfg.AutosaveEveryTicks; n > 0 && tick > 0 && tick%uint64(n) == 0 {
		saved, err := r.autosave()
		if err != nil {
			r.logf("autosave tick %d: %v", tick, err)
		}
		r.entry.Saved = saved
		changed = changed || saved > 0
	}

	e := &r.entry
	changed = changed || len(e.Loaded) > 0 || len(e.Generated) > 0 || len(e.Unloaded) > 0
	if changed && r.tickLog != nil {
		e.Resident = r.world.LoadedCount()
		e.Consumers = len(r.clients)
		if err := r.tickLog.WriteTick(*e); err != nil {
			r.logf("tick log: %v", err)
		}
	}
	r.tick.Add(1)
}

func (r *Runtime) autosave() (int, error) {
	n, err := r.world.SaveDirty()
	if err != nil {
		return n, err
	}
	return n, r.store.Flush()
}

func (r *Runtime) shutdown() error {
	for _, id := range sortedIDs(r.clients) {
		r.dropClient(id)
	}
	err := r.world.SaveAll()
	if ferr := r.store.Flush(); err == nil {
		err = ferr
	}
	r.logf("shutdown: saved %d resident chunks at tick %d", r.world.LoadedCount(), r.tick.Load())
	return err
}

func (r *Runtime) snapshotStats() Stats {
	return Stats{
		Tick:      r.tick.Load(),
		Resident:  r.world.LoadedCount(),
		Known:     r.world.KnownCount(),
		Consumers: len(r.clients),
	}
}

func (r *Runtime) handleJoin(req JoinRequest) {
	respond := func(resp JoinResponse) {
		if req.Resp != nil {
			req.Resp <- resp
		}
	}
	if _, ok := r.clients[req.ID]; ok {
		respond(JoinResponse{Err: fmt.Errorf("%w: %s", ErrDuplicateJoin, req.ID)})
		return
	}
	data, _, err := r.store.LoadPlayer(req.ID)
	if err != nil {
		respond(JoinResponse{Err: err})
		return
	}
	c := &client{id: req.ID, center: req.Center, out: req.Out}
	r.clients[req.ID] = c
	r.entry.Joined = append(r.entry.Joined, req.ID)
	respond(JoinResponse{ID: req.ID, PlayerData: data})
	r.refreshWindow(c)
}

func (r *Runtime) handleMove(req MoveRequest) {
	c, ok := r.clients[req.ID]
	if !ok {
		return
	}
	if c.center == req.Center {
		return
	}
	c.center = req.Center
	r.refreshWindow(c)
}

func (r *Runtime) handleLeave(id string) {
	if _, ok := r.clients[id]; !ok {
		return
	}
	r.dropClient(id)
	r.entry.Left = append(r.entry.Left, id)
}

// dropClient removes the consumer and closes its outbound channel.
func (r *Runtime) dropClient(id string) {
	c := r.clients[id]
	delete(r.clients, id)
	d, err := r.streamer.Remove(ConsumerID(id))
	if err != nil {
		r.logf("leave %s: %v", id, err)
	}
	r.entry.Unloaded = append(r.entry.Unloaded, d.Unloaded...)
	if c != nil && c.out != nil {
		close(c.out)
		c.out = nil
	}
}

// refreshWindow recomputes c's window, makes it resident and streams the
// difference to c. A chunk leaving the window is always reported to c, even
// when another consumer keeps it resident. Chunks that failed to load are
// left out of c's view and retried on the next tick.
func (r *Runtime) refreshWindow(c *client) {
	res, err := r.streamer.Update(ConsumerID(c.id), Window(c.center, r.cfg.ViewRadius))
	if err != nil {
		r.logf("window %s: %v", c.id, err)
	}
	r.entry.Loaded = append(r.entry.Loaded, res.Loaded...)
	r.entry.Generated = append(r.entry.Generated, res.Generated...)
	r.entry.Unloaded = append(r.entry.Unloaded, res.Unloaded...)

	now := keySet{}
	c.incomplete = false
	for _, k := range r.world.LoadedPositionsFor(ConsumerID(c.id)) {
		if _, ok := r.world.GetChunk(k); !ok {
			c.incomplete = true
			continue
		}
		now[k] = struct{}{}
	}
	var dropped, added []store.ChunkKey
	for k := range c.view {
		if _, ok := now[k]; !ok {
			dropped = append(dropped, k)
		}
	}
	for k := range now {
		if _, ok := c.view[k]; !ok {
			added = append(added, k)
		}
	}
	sortKeys(dropped)
	sortKeys(added)
	c.view = now

	if len(dropped) > 0 {
		r.send(c, ClientEvent{Kind: EventUnload, Tick: r.tick.Load(), Unloaded: dropped})
	}
	if len(added) > 0 {
		r.sendChunks(c, added)
	}
}

func (r *Runtime) sendChunks(c *client, keys []store.ChunkKey) {
	payloads := make([]ChunkPayload, 0, len(keys))
	for _, k := range keys {
		p, err := r.payload(k)
		if err != nil {
			r.logf("encode %s for %s: %v", k, c.id, err)
			continue
		}
		payloads = append(payloads, p)
	}
	if len(payloads) > 0 {
		r.send(c, ClientEvent{Kind: EventChunks, Tick: r.tick.Load(), Chunks: payloads})
	}
}

func (r *Runtime) payload(k store.ChunkKey) (ChunkPayload, error) {
	ch, ok := r.world.GetChunk(k)
	if !ok {
		return ChunkPayload{}, fmt.Errorf("%w: %s", ErrChunkNotLoaded, k)
	}
	recs, err := store.EncodeChunk(r.reg, ch)
	if err != nil {
		return ChunkPayload{}, err
	}
	body := make([]byte, 0, store.BodyBytesPerChunk)
	for _, rec := range recs {
		body = append(body, rec...)
	}
	return ChunkPayload{Key: k, Body: body, Digest: ch.Digest()}, nil
}

// send never blocks the loop. A consumer that cannot keep up is dropped.
func (r *Runtime) send(c *client, ev ClientEvent) {
	if c.out == nil {
		return
	}
	select {
	case c.out <- ev:
	default:
		r.logf("consumer %s too slow; disconnecting", c.id)
		r.dropClient(c.id)
	}
}

func (r *Runtime) handleEdit(req EditRequest) {
	res := r.applyEdit(req)
	if req.Resp != nil {
		req.Resp <- res
	}
}

func (r *Runtime) applyEdit(req EditRequest) EditResult {
	if _, ok := r.clients[req.ID]; !ok {
		return EditResult{Err: fmt.Errorf("%w: %s", ErrUnknownConsumer, req.ID)}
	}
	key := store.ChunkAtTile(req.X, req.Z)
	ch, ok := r.world.GetChunk(key)
	if !ok {
		return EditResult{Err: fmt.Errorf("%w: %s", ErrChunkNotLoaded, key)}
	}
	lx := req.X - key.CX*store.ChunkSize
	lz := req.Z - key.CZ*store.ChunkSize

	var res EditResult
	if req.Remove {
		e, err := ch.RemoveEntity(lx, lz)
		if err != nil {
			return EditResult{Err: err}
		}
		res.Instance = e.ID()
	} else {
		id := entities.InstanceID(r.store.NextEntityID())
		e, err := r.reg.New(req.Type, id)
		if err != nil {
			return EditResult{Err: err}
		}
		if err := ch.PlaceEntity(lx, lz, e); err != nil {
			return EditResult{Err: err}
		}
		res.Instance = id
	}

	// Every consumer sharing the chunk sees the change.
	for _, cid := range r.world.Consumers(key) {
		if c, ok := r.clients[string(cid)]; ok {
			r.sendChunks(c, []store.ChunkKey{key})
		}
	}
	return res
}

func (r *Runtime) handlePlayerData(req PlayerDataRequest) {
	err := r.store.SavePlayer(req.ID, req.Data)
	if req.Resp != nil {
		req.Resp <- err
	}
}

func sortedIDs(m map[string]*client) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
