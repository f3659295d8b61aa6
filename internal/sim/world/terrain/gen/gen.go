// Package gen produces terrain for chunks that have never been generated.
// Output depends only on the world seed, the chunk key and the order in which
// entity ids are handed out.
package gen

import (
	"math"

	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// Tilesets written by the generator.
const (
	TilesetWater uint8 = iota
	TilesetSand
	TilesetGrass
	TilesetForest
	TilesetDesert
	TilesetStone
)

type Biome uint8

const (
	BiomePlains Biome = iota
	BiomeForest
	BiomeDesert
)

func (b Biome) String() string {
	switch b {
	case BiomeForest:
		return "FOREST"
	case BiomeDesert:
		return "DESERT"
	default:
		return "PLAINS"
	}
}

type Params struct {
	BiomeRegionSize   int `yaml:"biome_region_size"`
	NoiseCell         int `yaml:"noise_cell"`
	WaterLevel        int `yaml:"water_level_permille"`
	StoneLevel        int `yaml:"stone_level_permille"`
	TreeClusterGrid   int `yaml:"tree_cluster_grid"`
	TreeClusterRadius int `yaml:"tree_cluster_radius"`
	TreeClusterProb   int `yaml:"tree_cluster_prob_permille"`
	TreeDensity       int `yaml:"tree_density_permille"`
	RockDensity       int `yaml:"rock_density_permille"`
	SpawnClearRadius  int `yaml:"spawn_clear_radius"`
}

func DefaultParams() Params {
	return Params{
		BiomeRegionSize:   128,
		NoiseCell:         24,
		WaterLevel:        250,
		StoneLevel:        800,
		TreeClusterGrid:   24,
		TreeClusterRadius: 7,
		TreeClusterProb:   450,
		TreeDensity:       300,
		RockDensity:       40,
		SpawnClearRadius:  4,
	}
}

// IDAllocator hands out fresh non-zero entity instance ids.
type IDAllocator func() uint32

type Generator struct {
	seed   int64
	p      Params
	nextID IDAllocator
}

func New(seed int32, p Params, alloc IDAllocator) *Generator {
	if p.BiomeRegionSize <= 0 {
		p.BiomeRegionSize = 1
	}
	if p.NoiseCell <= 0 {
		p.NoiseCell = 1
	}
	return &Generator{seed: int64(seed), p: p, nextID: alloc}
}

func (g *Generator) Generate(keys []store.ChunkKey) []*store.Chunk {
	out := make([]*store.Chunk, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.GenerateChunk(k))
	}
	return out
}

// GenerateChunk fills every tile of key. Terrain is sampled in world
// coordinates so neighbouring chunks line up; entity scatter is driven by the
// seed of the owning region.
func (g *Generator) GenerateChunk(key store.ChunkKey) *store.Chunk {
	c := store.New(key)
	rk := key.Region()
	regionSeed := int64(mathx.Hash2(g.seed, rk.RX, rk.RZ))

	for x := 0; x < store.ChunkSize; x++ {
		for z := 0; z < store.ChunkSize; z++ {
			wx := key.CX*store.ChunkSize + x
			wz := key.CZ*store.ChunkSize + z

			elev := g.elevation(wx, wz)
			moist := mathx.ValueNoise2(g.seed^0x5bd1e995, wx, wz, g.p.NoiseCell*2)
			biome := BiomeAt(g.seed, wx, wz, g.p.BiomeRegionSize)
			t := store.Tile{
				Tileset:   g.tileset(biome, elev, moist),
				Moisture:  float32(moist),
				Elevation: float32(elev),
			}
			if !WithinSpawnClear(wx, wz, g.p.SpawnClearRadius) {
				t.Entity = g.scatter(regionSeed, biome, t.Tileset, wx, wz)
			}
			c.Set(x, z, t)
		}
	}
	c.Initialised = true
	return c
}

// elevation is two octaves of value noise in [0,1).
func (g *Generator) elevation(x, z int) float64 {
	a := mathx.ValueNoise2(g.seed, x, z, g.p.NoiseCell)
	b := mathx.ValueNoise2(g.seed+1, x, z, max(1, g.p.NoiseCell/4))
	return math.Min(0.75*a+0.25*b, math.Nextafter(1, 0))
}

func (g *Generator) tileset(b Biome, elev, moist float64) uint8 {
	e := int(elev * 1000)
	switch {
	case e < g.p.WaterLevel:
		return TilesetWater
	case e < g.p.WaterLevel+40:
		return TilesetSand
	case e >= g.p.StoneLevel:
		return TilesetStone
	}
	switch b {
	case BiomeDesert:
		if moist > 0.7 {
			return TilesetGrass
		}
		return TilesetDesert
	case BiomeForest:
		return TilesetForest
	default:
		return TilesetGrass
	}
}

func (g *Generator) scatter(regionSeed int64, b Biome, tileset uint8, x, z int) entities.Entity {
	if g.nextID == nil {
		return nil
	}
	h := mathx.Hash2(regionSeed, x, z)
	roll := h % 1000
	switch tileset {
	case TilesetForest, TilesetGrass:
		prob := uint64(ClampPermille(g.p.TreeDensity))
		if b != BiomeForest {
			prob /= 4
		}
		if roll < prob && InCluster(regionSeed, x, z, g.p.TreeClusterGrid, g.p.TreeClusterRadius, uint64(ClampPermille(g.p.TreeClusterProb))) {
			return &entities.Tree{
				Instance: entities.InstanceID(g.nextID()),
				Species:  uint8((h >> 16) % 4),
				Age:      uint16((h >> 24) % 200),
			}
		}
	case TilesetStone, TilesetDesert:
		if roll < uint64(ClampPermille(g.p.RockDensity)) {
			return &entities.Rock{
				Instance: entities.InstanceID(g.nextID()),
				Hardness: uint8(1 + (h>>16)%5),
				Ore:      uint8((h >> 24) % 3),
			}
		}
	}
	return nil
}

func BiomeFrom(noise uint64) Biome {
	return Biome(noise % 3)
}

// BiomeAt picks a biome per square of regionSize tiles.
func BiomeAt(seed int64, x, z, regionSize int) Biome {
	if regionSize <= 0 {
		regionSize = 1
	}
	return BiomeFrom(mathx.Hash2(seed, mathx.FloorDiv(x, regionSize), mathx.FloorDiv(z, regionSize)))
}

func WithinSpawnClear(x, z, radius int) bool {
	if radius <= 0 {
		return false
	}
	r := int64(radius)
	dx := int64(x)
	dz := int64(z)
	return dx*dx+dz*dz <= r*r
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// InCluster reports whether (x,z) lies within radius of a cluster centre.
// Each grid cell holds at most one centre, present with probPermille.
func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := mathx.FloorDiv(x, grid)
	gz := mathx.FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := mathx.Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			cx := cgx*grid + int((h>>10)%uint64(grid))
			cz := cgz*grid + int((h>>20)%uint64(grid))
			ddx := x - cx
			ddz := z - cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}
