// Package gamefile owns one save directory: world metadata, player blobs and
// the region files holding chunk data.
//
//	<dir>/world.dat          seed int32 LE, entity counter uint32 LE
//	<dir>/Players/<id>.dat   opaque player bytes
//	<dir>/Regions/r.X.Z.dat  region files
//
// A GameFile is owned by the simulation goroutine and is not safe for
// concurrent use.
package gamefile

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tileworld.ai/internal/persistence/region"
	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/terrain/store"
)

const (
	MetadataFile = "world.dat"
	PlayersDir   = "Players"
	RegionsDir   = "Regions"
)

var (
	ErrMissingSubdirectory = errors.New("save directory missing subdirectory")
	ErrGameExists          = errors.New("game already exists")
	ErrInvalidPlayerID     = errors.New("invalid player id")
	ErrInvalidGameName     = errors.New("invalid game name")
	ErrClosed              = errors.New("game file closed")
)

// Index receives a notification after each successful save. Implementations
// must not block.
type Index interface {
	RecordChunkSave(rec ChunkSaveRecord)
	RecordPlayerSave(id string, size int)
}

type ChunkSaveRecord struct {
	Key      store.ChunkKey
	Region   store.RegionKey
	Block    uint16
	New      bool
	Entities int
}

type Options struct {
	Logger *log.Logger
	// Registry decodes tile entities; nil uses entities.Default().
	Registry *entities.Registry
	Index    Index
}

type Metadata struct {
	Seed          int32
	EntityCounter uint32
}

type GameFile struct {
	dir    string
	logger *log.Logger
	reg    *entities.Registry
	index  Index
	lock   *dirLock

	meta      Metadata
	metaDirty bool

	regions map[store.RegionKey]*region.File
	closed  bool
}

func (o Options) normalized() Options {
	if o.Registry == nil {
		o.Registry = entities.Default()
	}
	return o
}

// Create makes a new game named name under root and takes ownership of it.
func Create(root, name string, seed int32, opts Options) (*GameFile, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGameName, name)
	}
	if err := checkActive(); err != nil {
		return nil, err
	}
	opts = opts.normalized()
	dir := filepath.Join(root, name)
	if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrGameExists, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create game dir: %w", err)
	}
	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}
	// Re-check under the lock.
	if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
		_ = lock.release()
		return nil, fmt.Errorf("%w: %s", ErrGameExists, dir)
	}
	for _, sub := range []string{PlayersDir, RegionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			_ = lock.release()
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	g := newGameFile(dir, opts, lock)
	if err := g.SaveWorldMetadata(seed, 0); err != nil {
		_ = lock.release()
		return nil, err
	}
	g.logf("created game %s seed=%d", dir, seed)
	return g, nil
}

// Load opens an existing game directory and takes ownership of it.
func Load(dir string, opts Options) (*GameFile, error) {
	opts = opts.normalized()
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("load game: %s is not a directory", dir)
	}
	if err := checkActive(); err != nil {
		return nil, err
	}
	for _, sub := range []string{PlayersDir, RegionsDir} {
		st, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !st.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrMissingSubdirectory, filepath.Join(dir, sub))
		}
	}
	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	g := newGameFile(dir, opts, lock)
	if _, _, err := g.LoadWorldMetadata(); err != nil {
		_ = lock.release()
		return nil, err
	}
	g.logf("loaded game %s seed=%d counter=%d", dir, g.meta.Seed, g.meta.EntityCounter)
	return g, nil
}

func newGameFile(dir string, opts Options, lock *dirLock) *GameFile {
	return &GameFile{
		dir:     dir,
		logger:  opts.Logger,
		reg:     opts.Registry,
		index:   opts.Index,
		lock:    lock,
		regions: map[store.RegionKey]*region.File{},
	}
}

func (g *GameFile) Dir() string { return g.dir }

func (g *GameFile) Registry() *entities.Registry { return g.reg }

func (g *GameFile) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func (g *GameFile) checkOpen() error {
	if g.closed {
		return ErrClosed
	}
	return nil
}

// Flush persists pending metadata and syncs open region files.
func (g *GameFile) Flush() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if g.metaDirty {
		if err := g.SaveWorldMetadata(g.meta.Seed, g.meta.EntityCounter); err != nil {
			return err
		}
	}
	var firstErr error
	for _, rf := range g.regions {
		if err := rf.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes, closes every region file and releases the directory lock.
// It deletes nothing.
func (g *GameFile) Close() error {
	if g.closed {
		return nil
	}
	err := g.Flush()
	for k, rf := range g.regions {
		if cerr := rf.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(g.regions, k)
	}
	if lerr := g.lock.release(); lerr != nil && err == nil {
		err = lerr
	}
	g.closed = true
	g.logf("closed game %s", g.dir)
	return err
}

func validName(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, `/\`+string(os.PathSeparator)+"\x00")
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
