package world

import (
	"errors"
	"fmt"

	"tileworld.ai/internal/sim/world/terrain/store"
)

// ChunkSource loads previously generated chunks and persists new ones.
type ChunkSource interface {
	ChunkSaver
	LoadChunks(keys []store.ChunkKey) ([]*store.Chunk, error)
}

// Generator creates chunks that were never generated before.
type Generator interface {
	Generate(keys []store.ChunkKey) []*store.Chunk
}

// StreamResult describes one window update after the missing chunks were
// brought in.
type StreamResult struct {
	Delta
	Loaded    []store.ChunkKey
	Generated []store.ChunkKey
}

// Streamer completes window updates: it loads known chunks from the source,
// generates unknown ones, saves what it generated and hands everything to
// the World.
type Streamer struct {
	world  *World
	source ChunkSource
	gen    Generator
}

func NewStreamer(w *World, source ChunkSource, gen Generator) *Streamer {
	return &Streamer{world: w, source: source, gen: gen}
}

func (s *Streamer) World() *World { return s.world }

// Update moves id's window to required and makes every required chunk
// resident before returning. Chunks that fail to load stay in NeedLoad of
// the next Update for the same window.
// A failed eviction does not stop the loads; both errors are returned.
func (s *Streamer) Update(id ConsumerID, required []store.ChunkKey) (StreamResult, error) {
	d, err := s.world.UpdateConsumerWindow(id, required)
	res := StreamResult{Delta: d}
	var ferr error
	res.Loaded, res.Generated, ferr = s.Fulfil(d.NeedLoad)
	return res, errors.Join(err, ferr)
}

// Remove drops id and evicts what only it needed.
func (s *Streamer) Remove(id ConsumerID) (Delta, error) {
	return s.world.RemoveConsumer(id)
}

// Fulfil brings keys into the World, loading known chunks and generating the
// rest.
func (s *Streamer) Fulfil(keys []store.ChunkKey) (loaded, generated []store.ChunkKey, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	known, unknown := s.world.FilterKnown(keys)

	if len(known) > 0 {
		chunks, err := s.source.LoadChunks(known)
		if err != nil {
			return nil, nil, fmt.Errorf("load chunks: %w", err)
		}
		s.world.AddChunks(chunks...)
		loaded = known
	}
	if len(unknown) > 0 {
		if s.gen == nil {
			return loaded, nil, fmt.Errorf("no generator for %d unknown chunks", len(unknown))
		}
		chunks := s.gen.Generate(unknown)
		for _, c := range chunks {
			if err := s.source.SaveChunk(c); err != nil {
				return loaded, generated, fmt.Errorf("save generated chunk %s: %w", c.Key, err)
			}
			s.world.AddChunks(c)
			generated = append(generated, c.Key)
		}
	}
	return loaded, generated, nil
}

// Window returns the square of chunks within radius of center, row by row.
func Window(center store.ChunkKey, radius int) []store.ChunkKey {
	if radius < 0 {
		radius = 0
	}
	out := make([]store.ChunkKey, 0, (2*radius+1)*(2*radius+1))
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			out = append(out, store.ChunkKey{CX: center.CX + dx, CZ: center.CZ + dz})
		}
	}
	return out
}
