// Package region implements the fixed-layout region file that stores up to
// 32x32 chunks.
//
// Layout:
//
//	HEADER  1024 slots x 3 bytes, slot = z + x*32
//	        [0..2) uint16 LE block number, 1-based, 0 = not generated
//	        [2]    flags, always 0
//	BODY    fixed blocks of store.BodyBytesPerChunk bytes; block N starts at
//	        HeaderSize + (N-1)*store.BodyBytesPerChunk
//
// Blocks are allocated append-only and never reused, so a region file never
// shrinks. There is no journaling: a crash between the header write and the
// body write leaves a slot pointing at a body that was never written, which
// reads back as zeros.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"

	"tileworld.ai/internal/sim/world/terrain/store"
)

const (
	Edge       = store.RegionEdge
	Slots      = Edge * Edge
	SlotBytes  = 3
	HeaderSize = Slots * SlotBytes

	maxBlock = math.MaxUint16
)

var (
	ErrCorruptHeader     = errors.New("region header corrupt")
	ErrChunkNotGenerated = errors.New("chunk not generated")
	ErrWrongRegion       = errors.New("chunk belongs to another region")
	ErrRegionFull        = errors.New("region has no free block numbers")
)

// File is an open region file. It is not safe for concurrent use.
type File struct {
	key  store.RegionKey
	path string
	f    *os.File

	// generated[x] has bit z set when slot (x,z) holds a block.
	generated [Edge]uint32
	highest   uint16
}

func slotIndex(lx, lz int) int {
	return lz + lx*Edge
}

func bodyOffset(block uint16) int64 {
	return HeaderSize + int64(block-1)*store.BodyBytesPerChunk
}

func checkLocal(lx, lz int) error {
	if lx < 0 || lz < 0 || lx >= Edge || lz >= Edge {
		return fmt.Errorf("local slot (%d,%d) outside region", lx, lz)
	}
	return nil
}

// Create writes a fresh region file holding only a zeroed header.
func Create(path string, key store.RegionKey) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w", path, err)
	}
	if _, err := f.WriteAt(make([]byte, HeaderSize), 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write region header %s: %w", path, err)
	}
	return &File{key: key, path: path, f: f}, nil
}

// Open reads the header of an existing region file and rebuilds the
// generated bitmask and the highest assigned block number.
func Open(path string, key store.RegionKey) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	rf := &File{key: key, path: path, f: f}
	if err := rf.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return rf, nil
}

// OpenOrCreate opens path, creating an empty region file if it is missing.
func OpenOrCreate(path string, key store.RegionKey) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Create(path, key)
		}
		return nil, fmt.Errorf("stat region %s: %w", path, err)
	}
	return Open(path, key)
}

func (rf *File) readHeader() error {
	st, err := rf.f.Stat()
	if err != nil {
		return fmt.Errorf("stat region %s: %w", rf.path, err)
	}
	if st.Size() < HeaderSize {
		return fmt.Errorf("%w: %s is %d bytes, header needs %d", ErrCorruptHeader, rf.path, st.Size(), HeaderSize)
	}
	hdr := make([]byte, HeaderSize)
	if _, err := rf.f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("read region header %s: %w", rf.path, err)
	}
	for lx := 0; lx < Edge; lx++ {
		for lz := 0; lz < Edge; lz++ {
			off := slotIndex(lx, lz) * SlotBytes
			block := binary.LittleEndian.Uint16(hdr[off : off+2])
			if block == 0 {
				continue
			}
			rf.generated[lx] |= 1 << uint(lz)
			if block > rf.highest {
				rf.highest = block
			}
		}
	}
	return nil
}

func (rf *File) Key() store.RegionKey { return rf.key }

func (rf *File) Path() string { return rf.path }

// IsGenerated reports whether local slot (lx,lz) holds a block.
func (rf *File) IsGenerated(lx, lz int) bool {
	if checkLocal(lx, lz) != nil {
		return false
	}
	return rf.generated[lx]&(1<<uint(lz)) != 0
}

// BlockCount is the highest block number assigned so far.
func (rf *File) BlockCount() int { return int(rf.highest) }

// GeneratedCount is the number of slots holding a block.
func (rf *File) GeneratedCount() int {
	n := 0
	for _, row := range rf.generated {
		n += bits.OnesCount32(row)
	}
	return n
}

// BlockNumber reads the header slot for (lx,lz). ok is false for an empty slot.
func (rf *File) BlockNumber(lx, lz int) (block uint16, ok bool, err error) {
	if err := checkLocal(lx, lz); err != nil {
		return 0, false, err
	}
	var slot [SlotBytes]byte
	if _, err := rf.f.ReadAt(slot[:], int64(slotIndex(lx, lz)*SlotBytes)); err != nil {
		return 0, false, fmt.Errorf("read region slot (%d,%d) %s: %w", lx, lz, rf.path, err)
	}
	block = binary.LittleEndian.Uint16(slot[0:2])
	return block, block != 0, nil
}

// SaveChunk writes the tile records of chunk key. A chunk saved for the first
// time gets the next block number; later saves overwrite the same block.
func (rf *File) SaveChunk(key store.ChunkKey, recs [][]byte) error {
	if key.Region() != rf.key {
		return fmt.Errorf("%w: %s is in %v, file is %v", ErrWrongRegion, key, key.Region(), rf.key)
	}
	if len(recs) != store.TilesPerChunk {
		return fmt.Errorf("chunk %s: %d tile records, want %d", key, len(recs), store.TilesPerChunk)
	}
	body := make([]byte, store.BodyBytesPerChunk)
	for i, rec := range recs {
		if len(rec) > store.BodyBytesPerTile {
			return fmt.Errorf("%w: chunk %s tile %d is %d bytes > %d", store.ErrRecordTooLarge, key, i, len(rec), store.BodyBytesPerTile)
		}
		copy(body[i*store.BodyBytesPerTile:], rec)
	}

	lx, lz := key.Local()
	var block uint16
	if rf.IsGenerated(lx, lz) {
		b, ok, err := rf.BlockNumber(lx, lz)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: slot (%d,%d) marked generated but empty", ErrCorruptHeader, lx, lz)
		}
		block = b
	} else {
		if rf.highest == maxBlock {
			return fmt.Errorf("%w: %s", ErrRegionFull, rf.path)
		}
		block = rf.highest + 1
		var slot [SlotBytes]byte
		binary.LittleEndian.PutUint16(slot[0:2], block)
		if _, err := rf.f.WriteAt(slot[:], int64(slotIndex(lx, lz)*SlotBytes)); err != nil {
			return fmt.Errorf("write region slot %s: %w", rf.path, err)
		}
		rf.highest = block
		rf.generated[lx] |= 1 << uint(lz)
	}

	if _, err := rf.f.WriteAt(body, bodyOffset(block)); err != nil {
		return fmt.Errorf("write chunk %s body (block %d): %w", key, block, err)
	}
	return nil
}

// LoadChunkTiles returns the TilesPerChunk fixed-size records of slot (lx,lz).
func (rf *File) LoadChunkTiles(lx, lz int) ([][]byte, error) {
	if err := checkLocal(lx, lz); err != nil {
		return nil, err
	}
	if !rf.IsGenerated(lx, lz) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotGenerated, rf.key.Chunk(lx, lz))
	}
	block, ok, err := rf.BlockNumber(lx, lz)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: slot (%d,%d) marked generated but empty", ErrCorruptHeader, lx, lz)
	}

	body := make([]byte, store.BodyBytesPerChunk)
	n, err := rf.f.ReadAt(body, bodyOffset(block))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk body (block %d) %s: %w", block, rf.path, err)
	}
	// A body cut short by a crash reads back as zeros.
	clear(body[n:])

	recs := make([][]byte, store.TilesPerChunk)
	for i := range recs {
		recs[i] = body[i*store.BodyBytesPerTile : (i+1)*store.BodyBytesPerTile]
	}
	return recs, nil
}

// GeneratedChunks lists the world keys of every generated slot.
func (rf *File) GeneratedChunks() []store.ChunkKey {
	out := make([]store.ChunkKey, 0, rf.GeneratedCount())
	for lx := 0; lx < Edge; lx++ {
		row := rf.generated[lx]
		for row != 0 {
			lz := bits.TrailingZeros32(row)
			row &^= 1 << uint(lz)
			out = append(out, rf.key.Chunk(lx, lz))
		}
	}
	return out
}

type Stats struct {
	Key       store.RegionKey
	Path      string
	SizeBytes int64
	Generated int
	Blocks    int
}

func (rf *File) Stats() (Stats, error) {
	st, err := rf.f.Stat()
	if err != nil {
		return Stats{}, fmt.Errorf("stat region %s: %w", rf.path, err)
	}
	return Stats{
		Key:       rf.key,
		Path:      rf.path,
		SizeBytes: st.Size(),
		Generated: rf.GeneratedCount(),
		Blocks:    rf.BlockCount(),
	}, nil
}

func (rf *File) Sync() error {
	if err := rf.f.Sync(); err != nil {
		return fmt.Errorf("sync region %s: %w", rf.path, err)
	}
	return nil
}

func (rf *File) Close() error {
	return rf.f.Close()
}
