package world

import (
	"fmt"
	"log"
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"tileworld.ai/internal/sim/world/terrain/store"
)

// ConsumerID identifies something whose view window keeps chunks resident,
// normally a connected player.
type ConsumerID string

// ChunkSaver flushes an evicted chunk.
type ChunkSaver interface {
	SaveChunk(c *store.Chunk) error
}

// Delta is the result of a window change. Unloaded chunks were evicted and
// flushed; NeedLoad chunks must be loaded or generated by the caller and
// handed back through AddChunks.
type Delta struct {
	Unloaded []store.ChunkKey
	NeedLoad []store.ChunkKey
}

func (d Delta) Empty() bool { return len(d.Unloaded) == 0 && len(d.NeedLoad) == 0 }

type keySet map[store.ChunkKey]struct{}

type consumerSet map[ConsumerID]struct{}

// World tracks which chunks are resident and who depends on them. A chunk is
// resident while at least one consumer requires it or it is keep-loaded.
// World is owned by the simulation goroutine and does no locking.
type World struct {
	saver  ChunkSaver
	logger *log.Logger

	loaded     map[store.ChunkKey]*store.Chunk
	known      keySet
	byChunk    map[store.ChunkKey]consumerSet
	byConsumer map[ConsumerID]keySet
	keep       keySet

	// failed holds unreferenced chunks whose eviction save failed. They stay
	// resident and are retried on the next window update or SaveAll.
	failed keySet
}

type Option func(*World)

func WithLogger(l *log.Logger) Option {
	return func(w *World) { w.logger = l }
}

func New(saver ChunkSaver, opts ...Option) *World {
	w := &World{
		saver:      saver,
		loaded:     map[store.ChunkKey]*store.Chunk{},
		known:      keySet{},
		byChunk:    map[store.ChunkKey]consumerSet{},
		byConsumer: map[ConsumerID]keySet{},
		keep:       keySet{},
		failed:     keySet{},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *World) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// RegisterKnown marks keys as generated at least once.
func (w *World) RegisterKnown(keys ...store.ChunkKey) {
	for _, k := range keys {
		w.known[k] = struct{}{}
	}
}

func (w *World) IsKnown(key store.ChunkKey) bool {
	_, ok := w.known[key]
	return ok
}

func (w *World) KnownCount() int { return len(w.known) }

// UpdateConsumerWindow replaces the set of chunks id depends on. Chunks no
// consumer needs any more are flushed and evicted unless keep-loaded.
// NeedLoad lists every chunk of the new window that is not resident.
func (w *World) UpdateConsumerWindow(id ConsumerID, required []store.ChunkKey) (Delta, error) {
	next := make(keySet, len(required))
	for _, k := range required {
		next[k] = struct{}{}
	}
	prev := w.byConsumer[id]

	var drop, add []store.ChunkKey
	for k := range prev {
		if _, ok := next[k]; !ok {
			drop = append(drop, k)
		}
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			add = append(add, k)
		}
	}
	sortKeys(drop)
	sortKeys(add)

	var evict []store.ChunkKey
	for _, k := range drop {
		set := w.byChunk[k]
		delete(set, id)
		if len(set) > 0 {
			continue
		}
		delete(w.byChunk, k)
		if w.evictable(k) {
			evict = append(evict, k)
		}
	}
	for k := range w.failed {
		if w.evictable(k) && !slices.Contains(evict, k) {
			evict = append(evict, k)
		}
	}
	unloaded, err := w.evict(evict)

	for _, k := range add {
		set := w.byChunk[k]
		if set == nil {
			set = consumerSet{}
			w.byChunk[k] = set
		}
		set[id] = struct{}{}
		delete(w.failed, k)
	}
	w.byConsumer[id] = next

	// Every required key that is not resident, including ones a previous
	// load failed to bring in.
	var need []store.ChunkKey
	for k := range next {
		if _, ok := w.loaded[k]; !ok {
			need = append(need, k)
		}
	}
	sortKeys(need)
	return Delta{Unloaded: unloaded, NeedLoad: need}, err
}

// RemoveConsumer drops every dependency of id and forgets it.
func (w *World) RemoveConsumer(id ConsumerID) (Delta, error) {
	d, err := w.UpdateConsumerWindow(id, nil)
	delete(w.byConsumer, id)
	return d, err
}

func (w *World) evictable(k store.ChunkKey) bool {
	c, ok := w.loaded[k]
	if !ok || c.KeepLoaded {
		return false
	}
	if _, keep := w.keep[k]; keep {
		return false
	}
	return len(w.byChunk[k]) == 0
}

// evict saves and removes each chunk. A chunk whose save fails stays
// resident; the first error is returned.
func (w *World) evict(keys []store.ChunkKey) ([]store.ChunkKey, error) {
	sortKeys(keys)
	var (
		out      []store.ChunkKey
		firstErr error
	)
	for _, k := range keys {
		c := w.loaded[k]
		if w.saver != nil {
			if err := w.saver.SaveChunk(c); err != nil {
				w.failed[k] = struct{}{}
				w.logf("evict %s: save failed: %v", k, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("evict chunk %s: %w", k, err)
				}
				continue
			}
		}
		delete(w.loaded, k)
		delete(w.failed, k)
		out = append(out, k)
	}
	return out, firstErr
}

// AddChunks makes chunks resident and known. Re-adding a loaded key replaces
// the resident instance.
func (w *World) AddChunks(chunks ...*store.Chunk) {
	for _, c := range chunks {
		if c == nil {
			continue
		}
		if old, ok := w.loaded[c.Key]; ok && old != c {
			w.logf("warning: chunk %s added while already loaded; replacing", c.Key)
		}
		if _, ok := w.keep[c.Key]; ok {
			c.KeepLoaded = true
		}
		w.loaded[c.Key] = c
		w.known[c.Key] = struct{}{}
	}
}

func (w *World) GetChunk(key store.ChunkKey) (*store.Chunk, bool) {
	c, ok := w.loaded[key]
	return c, ok
}

// LoadedPositionsFor returns the window most recently set for id, sorted.
func (w *World) LoadedPositionsFor(id ConsumerID) []store.ChunkKey {
	keys := maps.Keys(w.byConsumer[id])
	sortKeys(keys)
	return keys
}

// FilterKnown splits keys into those generated before and those never seen.
func (w *World) FilterKnown(keys []store.ChunkKey) (known, unknown []store.ChunkKey) {
	for _, k := range keys {
		if w.IsKnown(k) {
			known = append(known, k)
		} else {
			unknown = append(unknown, k)
		}
	}
	return known, unknown
}

// LoadedChunks returns the resident chunks ordered by key.
func (w *World) LoadedChunks() []*store.Chunk {
	keys := maps.Keys(w.loaded)
	sortKeys(keys)
	out := make([]*store.Chunk, len(keys))
	for i, k := range keys {
		out[i] = w.loaded[k]
	}
	return out
}

func (w *World) LoadedCount() int { return len(w.loaded) }

// Consumers lists who currently depends on key.
func (w *World) Consumers(key store.ChunkKey) []ConsumerID {
	ids := maps.Keys(w.byChunk[key])
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *World) ConsumerCount() int { return len(w.byConsumer) }

// SetKeepLoaded pins or unpins key. Pinning a chunk that is not resident
// reports it in NeedLoad; unpinning an unreferenced chunk evicts it.
func (w *World) SetKeepLoaded(key store.ChunkKey, keep bool) (Delta, error) {
	c, loaded := w.loaded[key]
	if keep {
		w.keep[key] = struct{}{}
		if loaded {
			c.KeepLoaded = true
			return Delta{}, nil
		}
		return Delta{NeedLoad: []store.ChunkKey{key}}, nil
	}
	delete(w.keep, key)
	if !loaded {
		return Delta{}, nil
	}
	c.KeepLoaded = false
	if !w.evictable(key) {
		return Delta{}, nil
	}
	unloaded, err := w.evict([]store.ChunkKey{key})
	return Delta{Unloaded: unloaded}, err
}

// SaveDirty flushes resident chunks modified since their last save. A World
// without a saver has nothing to flush.
func (w *World) SaveDirty() (int, error) {
	if w.saver == nil {
		return 0, nil
	}
	n := 0
	for _, c := range w.LoadedChunks() {
		if !c.Dirty() {
			continue
		}
		if err := w.saver.SaveChunk(c); err != nil {
			return n, fmt.Errorf("save chunk %s: %w", c.Key, err)
		}
		n++
	}
	return n, nil
}

// SaveAll flushes every resident chunk, keep-loaded ones included, and
// completes evictions that previously failed to save.
func (w *World) SaveAll() error {
	if w.saver != nil {
		for _, c := range w.LoadedChunks() {
			if err := w.saver.SaveChunk(c); err != nil {
				return fmt.Errorf("save chunk %s: %w", c.Key, err)
			}
		}
	}
	for k := range w.failed {
		if w.evictable(k) {
			delete(w.loaded, k)
		}
		delete(w.failed, k)
	}
	return nil
}

func sortKeys(keys []store.ChunkKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func keyLess(a, b store.ChunkKey) bool {
	if a.CX != b.CX {
		return a.CX < b.CX
	}
	return a.CZ < b.CZ
}
