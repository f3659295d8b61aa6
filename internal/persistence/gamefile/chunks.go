package gamefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tileworld.ai/internal/persistence/region"
	"tileworld.ai/internal/sim/world/terrain/store"
)

func (g *GameFile) regionPath(rk store.RegionKey) string {
	return filepath.Join(g.dir, RegionsDir, rk.FileName())
}

// regionFor returns the open region file for rk. With create false a missing
// file yields (nil, nil).
func (g *GameFile) regionFor(rk store.RegionKey, create bool) (*region.File, error) {
	if rf, ok := g.regions[rk]; ok {
		return rf, nil
	}
	path := g.regionPath(rk)
	var (
		rf  *region.File
		err error
	)
	if create {
		rf, err = region.OpenOrCreate(path, rk)
	} else {
		rf, err = region.Open(path, rk)
		if isNotExist(err) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	g.regions[rk] = rf
	return rf, nil
}

// SaveChunk encodes c and writes it to its region file, creating the file on
// first use.
func (g *GameFile) SaveChunk(c *store.Chunk) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	recs, err := store.EncodeChunk(g.reg, c)
	if err != nil {
		return err
	}
	rk := c.Key.Region()
	rf, err := g.regionFor(rk, true)
	if err != nil {
		return err
	}
	lx, lz := c.Key.Local()
	isNew := !rf.IsGenerated(lx, lz)
	if err := rf.SaveChunk(c.Key, recs); err != nil {
		return err
	}
	c.Initialised = true
	c.MarkClean()

	if g.index != nil {
		block, _, err := rf.BlockNumber(lx, lz)
		if err != nil {
			return err
		}
		g.index.RecordChunkSave(ChunkSaveRecord{
			Key:      c.Key,
			Region:   rk,
			Block:    block,
			New:      isNew,
			Entities: c.EntityCount(),
		})
	}
	return nil
}

// SaveChunks saves each chunk in turn and stops at the first failure. Chunks
// saved before the failure stay saved.
func (g *GameFile) SaveChunks(chunks []*store.Chunk) error {
	for _, c := range chunks {
		if err := g.SaveChunk(c); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.Key, err)
		}
	}
	return nil
}

// LoadChunks reads and decodes every key. A key without a region file or
// without a generated slot fails with region.ErrChunkNotGenerated.
func (g *GameFile) LoadChunks(keys []store.ChunkKey) ([]*store.Chunk, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*store.Chunk, 0, len(keys))
	for _, key := range keys {
		rf, err := g.regionFor(key.Region(), false)
		if err != nil {
			return nil, err
		}
		if rf == nil {
			return nil, fmt.Errorf("%w: %s (no region file)", region.ErrChunkNotGenerated, key)
		}
		lx, lz := key.Local()
		recs, err := rf.LoadChunkTiles(lx, lz)
		if err != nil {
			return nil, err
		}
		c, err := store.DecodeChunk(g.reg, key, recs)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *GameFile) IsGenerated(key store.ChunkKey) (bool, error) {
	if err := g.checkOpen(); err != nil {
		return false, err
	}
	rf, err := g.regionFor(key.Region(), false)
	if err != nil || rf == nil {
		return false, err
	}
	lx, lz := key.Local()
	return rf.IsGenerated(lx, lz), nil
}

// RegionKeys lists the regions that have a file in Regions/, sorted.
func (g *GameFile) RegionKeys() ([]store.RegionKey, error) {
	ents, err := os.ReadDir(filepath.Join(g.dir, RegionsDir))
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	var out []store.RegionKey
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if rk, ok := ParseRegionFileName(e.Name()); ok {
			out = append(out, rk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RX != out[j].RX {
			return out[i].RX < out[j].RX
		}
		return out[i].RZ < out[j].RZ
	})
	return out, nil
}

// KnownChunks returns every generated chunk across all region files.
func (g *GameFile) KnownChunks() ([]store.ChunkKey, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	rks, err := g.RegionKeys()
	if err != nil {
		return nil, err
	}
	var out []store.ChunkKey
	for _, rk := range rks {
		rf, err := g.regionFor(rk, false)
		if err != nil {
			return nil, err
		}
		if rf != nil {
			out = append(out, rf.GeneratedChunks()...)
		}
	}
	return out, nil
}

// RegionStats reports size and occupancy of every region file.
func (g *GameFile) RegionStats() ([]region.Stats, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	rks, err := g.RegionKeys()
	if err != nil {
		return nil, err
	}
	out := make([]region.Stats, 0, len(rks))
	for _, rk := range rks {
		rf, err := g.regionFor(rk, false)
		if err != nil {
			return nil, err
		}
		if rf == nil {
			continue
		}
		st, err := rf.Stats()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ParseRegionFileName parses "r.<x>.<z>.dat".
func ParseRegionFileName(name string) (store.RegionKey, bool) {
	if !strings.HasPrefix(name, "r.") || !strings.HasSuffix(name, ".dat") {
		return store.RegionKey{}, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "r."), ".dat"), ".")
	if len(parts) != 2 {
		return store.RegionKey{}, false
	}
	x, err1 := strconv.Atoi(parts[0])
	z, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return store.RegionKey{}, false
	}
	return store.RegionKey{RX: x, RZ: z}, true
}
