package gen

import (
	"testing"

	"tileworld.ai/internal/sim/world/terrain/store"
)

func counter() IDAllocator {
	var n uint32
	return func() uint32 {
		n++
		return n
	}
}

func TestGenerateDeterministic(t *testing.T) {
	keys := []store.ChunkKey{{CX: 0, CZ: 0}, {CX: -3, CZ: 7}, {CX: 40, CZ: -41}}
	a := New(42, DefaultParams(), counter()).Generate(keys)
	b := New(42, DefaultParams(), counter()).Generate(keys)
	for i := range keys {
		if a[i].Digest() != b[i].Digest() {
			t.Fatalf("chunk %s differs between runs", keys[i])
		}
		if a[i].EntityCount() != b[i].EntityCount() {
			t.Fatalf("chunk %s entity count differs", keys[i])
		}
		if !a[i].Initialised {
			t.Fatalf("generated chunk should be initialised")
		}
	}
	c := New(43, DefaultParams(), counter()).GenerateChunk(keys[1])
	if c.Digest() == a[1].Digest() {
		t.Fatalf("different seeds produced identical terrain")
	}
}

func TestGenerateValueRanges(t *testing.T) {
	c := New(7, DefaultParams(), counter()).GenerateChunk(store.ChunkKey{CX: 2, CZ: -2})
	for x := 0; x < store.ChunkSize; x++ {
		for z := 0; z < store.ChunkSize; z++ {
			tile := c.Get(x, z)
			if tile.Tileset > TilesetStone {
				t.Fatalf("tileset %d out of range", tile.Tileset)
			}
			if tile.Elevation < 0 || tile.Elevation > 1 || tile.Moisture < 0 || tile.Moisture > 1 {
				t.Fatalf("tile (%d,%d) elevation=%v moisture=%v", x, z, tile.Elevation, tile.Moisture)
			}
			if tile.Entity != nil && tile.Entity.ID() == 0 {
				t.Fatalf("entity without instance id at (%d,%d)", x, z)
			}
		}
	}
}

func TestSpawnClearHasNoEntities(t *testing.T) {
	p := DefaultParams()
	p.TreeDensity = 1000
	p.TreeClusterProb = 1000
	p.TreeClusterRadius = 64
	p.RockDensity = 1000
	p.SpawnClearRadius = 6
	c := New(1, p, counter()).GenerateChunk(store.ChunkKey{})
	for x := 0; x <= 4; x++ {
		for z := 0; z <= 4; z++ {
			if c.Get(x, z).Entity != nil {
				t.Fatalf("entity inside spawn clear radius at (%d,%d)", x, z)
			}
		}
	}
}

func TestNilAllocatorSkipsEntities(t *testing.T) {
	c := New(5, DefaultParams(), nil).GenerateChunk(store.ChunkKey{CX: 9, CZ: 9})
	if c.EntityCount() != 0 {
		t.Fatalf("entities placed without an allocator")
	}
}

func TestInClusterDisabled(t *testing.T) {
	if InCluster(1, 0, 0, 0, 5, 1000) || InCluster(1, 0, 0, 10, 0, 1000) || InCluster(1, 0, 0, 10, 5, 0) {
		t.Fatalf("disabled cluster params should never match")
	}
}
