package store

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/logic/mathx"
)

const (
	// ChunkSize is the edge length of a chunk in tiles.
	ChunkSize     = 16
	TilesPerChunk = ChunkSize * ChunkSize

	// RegionEdge is the edge length of a region in chunks.
	RegionEdge  = 32
	RegionShift = 5
)

// ChunkKey is a chunk's position in the chunk grid. It is never range checked.
type ChunkKey struct {
	CX int
	CZ int
}

func (k ChunkKey) String() string { return fmt.Sprintf("(%d,%d)", k.CX, k.CZ) }

// Region returns the region owning k. The shift floors negative coordinates.
func (k ChunkKey) Region() RegionKey {
	return RegionKey{RX: k.CX >> RegionShift, RZ: k.CZ >> RegionShift}
}

// Local returns k's slot inside its region, each axis in [0,RegionEdge).
func (k ChunkKey) Local() (lx, lz int) {
	return mathx.Mod(k.CX, RegionEdge), mathx.Mod(k.CZ, RegionEdge)
}

// ChunkAtTile returns the chunk containing world tile (x,z).
func ChunkAtTile(x, z int) ChunkKey {
	return ChunkKey{CX: mathx.FloorDiv(x, ChunkSize), CZ: mathx.FloorDiv(z, ChunkSize)}
}

// RegionKey identifies one region file.
type RegionKey struct {
	RX int
	RZ int
}

// Chunk returns the world key of local slot (lx,lz) in r.
func (r RegionKey) Chunk(lx, lz int) ChunkKey {
	return ChunkKey{CX: r.RX*RegionEdge + lx, CZ: r.RZ*RegionEdge + lz}
}

func (r RegionKey) FileName() string {
	return fmt.Sprintf("r.%d.%d.dat", r.RX, r.RZ)
}

// Tile is one cell of a chunk.
type Tile struct {
	Tileset   uint8
	Moisture  float32
	Elevation float32
	// Entity is the static entity resident on this tile, if any.
	Entity entities.Entity
}

// Chunk is a ChunkSize x ChunkSize block of tiles. A single instance exists per
// loaded key; every consumer sees the same tiles.
type Chunk struct {
	Key   ChunkKey
	Tiles [TilesPerChunk]Tile

	Initialised bool
	// KeepLoaded exempts the chunk from reference-count eviction.
	KeepLoaded bool

	dirty bool
}

func New(key ChunkKey) *Chunk {
	return &Chunk{Key: key}
}

// index is x-major, z-minor, matching the on-disk tile order.
func index(x, z int) int {
	return x*ChunkSize + z
}

func (c *Chunk) Dirty() bool { return c.dirty }

func (c *Chunk) MarkDirty() { c.dirty = true }

func (c *Chunk) MarkClean() { c.dirty = false }

// Digest hashes the terrain fields of every tile in on-disk order.
func (c *Chunk) Digest() [32]byte {
	h := sha256.New()
	var tmp [9]byte
	for i := range c.Tiles {
		t := &c.Tiles[i]
		tmp[0] = t.Tileset
		binary.LittleEndian.PutUint32(tmp[1:5], math.Float32bits(t.Moisture))
		binary.LittleEndian.PutUint32(tmp[5:9], math.Float32bits(t.Elevation))
		h.Write(tmp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
