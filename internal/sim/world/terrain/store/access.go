package store

import (
	"errors"
	"fmt"

	"tileworld.ai/internal/sim/entities"
)

var (
	ErrOutOfChunk   = errors.New("tile outside chunk")
	ErrTileOccupied = errors.New("tile already holds an entity")
	ErrNoEntity     = errors.New("tile holds no entity")
)

func inChunk(x, z int) bool {
	return x >= 0 && z >= 0 && x < ChunkSize && z < ChunkSize
}

func (c *Chunk) Get(x, z int) Tile {
	return c.Tiles[index(x, z)]
}

func (c *Chunk) Set(x, z int, t Tile) {
	c.Tiles[index(x, z)] = t
	c.dirty = true
}

// PlaceEntity puts e on local tile (x,z).
func (c *Chunk) PlaceEntity(x, z int, e entities.Entity) error {
	if !inChunk(x, z) {
		return fmt.Errorf("%w: (%d,%d)", ErrOutOfChunk, x, z)
	}
	if e == nil || e.ID() == 0 {
		return fmt.Errorf("place entity at (%d,%d): missing instance id", x, z)
	}
	t := &c.Tiles[index(x, z)]
	if t.Entity != nil {
		return fmt.Errorf("%w: (%d,%d) has %d", ErrTileOccupied, x, z, t.Entity.ID())
	}
	t.Entity = e
	c.dirty = true
	return nil
}

// RemoveEntity clears local tile (x,z) and returns what was there.
func (c *Chunk) RemoveEntity(x, z int) (entities.Entity, error) {
	if !inChunk(x, z) {
		return nil, fmt.Errorf("%w: (%d,%d)", ErrOutOfChunk, x, z)
	}
	t := &c.Tiles[index(x, z)]
	if t.Entity == nil {
		return nil, fmt.Errorf("%w: (%d,%d)", ErrNoEntity, x, z)
	}
	e := t.Entity
	t.Entity = nil
	c.dirty = true
	return e, nil
}

// EntityCount counts tiles holding an entity.
func (c *Chunk) EntityCount() int {
	n := 0
	for i := range c.Tiles {
		if c.Tiles[i].Entity != nil {
			n++
		}
	}
	return n
}
