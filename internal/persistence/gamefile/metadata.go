package gamefile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const metadataSize = 8

func (g *GameFile) metadataPath() string { return filepath.Join(g.dir, MetadataFile) }

// SaveWorldMetadata writes world.dat and replaces the cached values.
func (g *GameFile) SaveWorldMetadata(seed int32, counter uint32) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	var b [metadataSize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(seed))
	binary.LittleEndian.PutUint32(b[4:8], counter)
	if err := writeFileAtomic(g.metadataPath(), b[:]); err != nil {
		return fmt.Errorf("write %s: %w", MetadataFile, err)
	}
	g.meta = Metadata{Seed: seed, EntityCounter: counter}
	g.metaDirty = false
	return nil
}

// LoadWorldMetadata reads world.dat into the cache and returns it.
func (g *GameFile) LoadWorldMetadata() (int32, uint32, error) {
	if err := g.checkOpen(); err != nil {
		return 0, 0, err
	}
	m, err := readMetadata(g.metadataPath())
	if err != nil {
		return 0, 0, err
	}
	g.meta = m
	g.metaDirty = false
	return g.meta.Seed, g.meta.EntityCounter, nil
}

func (g *GameFile) Metadata() Metadata { return g.meta }

// ReadMetadata reads dir/world.dat without taking the directory lock. It is
// for inspection only; a running server may change the file at any time.
func ReadMetadata(dir string) (Metadata, error) {
	return readMetadata(filepath.Join(dir, MetadataFile))
}

func readMetadata(path string) (Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", MetadataFile, err)
	}
	if len(b) < metadataSize {
		return Metadata{}, fmt.Errorf("read %s: %d bytes, want %d", MetadataFile, len(b), metadataSize)
	}
	return Metadata{
		Seed:          int32(binary.LittleEndian.Uint32(b[0:4])),
		EntityCounter: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// NextEntityID allocates a fresh non-zero entity id. The counter reaches disk
// on the next Flush.
func (g *GameFile) NextEntityID() uint32 {
	g.meta.EntityCounter++
	if g.meta.EntityCounter == 0 {
		g.meta.EntityCounter = 1
	}
	g.metaDirty = true
	return g.meta.EntityCounter
}
