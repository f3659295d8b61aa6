package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"tileworld.ai/internal/sim/entities"
)

// Tile record layout:
//
//	[0]      tileset
//	[1..5)   moisture  float32 LE
//	[5..9)   elevation float32 LE
//	[9..11)  entity type id uint16 LE
//	[11..15) entity instance id uint32 LE, 0 = none
//	[15..)   entity payload, zero padded to BodyBytesPerTile
const (
	TileHeaderBytes   = 15
	MaxEntityPayload  = entities.MaxPayload
	BodyBytesPerTile  = TileHeaderBytes + MaxEntityPayload
	BodyBytesPerChunk = BodyBytesPerTile * TilesPerChunk
)

var ErrRecordTooLarge = entities.ErrRecordTooLarge

// EncodeTile writes t into dst, which must be BodyBytesPerTile long. dst is
// fully overwritten.
func EncodeTile(reg *entities.Registry, t Tile, dst []byte) error {
	if len(dst) != BodyBytesPerTile {
		return fmt.Errorf("tile record buffer %d bytes, want %d", len(dst), BodyBytesPerTile)
	}
	clear(dst)
	dst[0] = t.Tileset
	binary.LittleEndian.PutUint32(dst[1:5], math.Float32bits(t.Moisture))
	binary.LittleEndian.PutUint32(dst[5:9], math.Float32bits(t.Elevation))
	if t.Entity == nil {
		return nil
	}
	if t.Entity.ID() == 0 {
		return fmt.Errorf("entity of type %d has no instance id", t.Entity.Type())
	}
	if reg == nil {
		return fmt.Errorf("%w: %d (no registry)", entities.ErrUnknownType, t.Entity.Type())
	}
	payload, err := reg.Encode(t.Entity)
	if err != nil {
		return err
	}
	if len(payload) > MaxEntityPayload {
		return fmt.Errorf("%w: %s#%d payload %d bytes > %d", ErrRecordTooLarge,
			reg.Name(t.Entity.Type()), t.Entity.ID(), len(payload), MaxEntityPayload)
	}
	binary.LittleEndian.PutUint16(dst[9:11], uint16(t.Entity.Type()))
	binary.LittleEndian.PutUint32(dst[11:15], uint32(t.Entity.ID()))
	copy(dst[TileHeaderBytes:], payload)
	return nil
}

// DecodeTile parses one tile record. Records shorter than the header are
// rejected; the entity payload is handed to reg when an instance id is set.
func DecodeTile(reg *entities.Registry, rec []byte) (Tile, error) {
	var t Tile
	if len(rec) < TileHeaderBytes {
		return t, fmt.Errorf("tile record %d bytes, want at least %d", len(rec), TileHeaderBytes)
	}
	t.Tileset = rec[0]
	t.Moisture = math.Float32frombits(binary.LittleEndian.Uint32(rec[1:5]))
	t.Elevation = math.Float32frombits(binary.LittleEndian.Uint32(rec[5:9]))
	typ := entities.TypeID(binary.LittleEndian.Uint16(rec[9:11]))
	id := entities.InstanceID(binary.LittleEndian.Uint32(rec[11:15]))
	if id == 0 {
		return t, nil
	}
	if reg == nil {
		return t, fmt.Errorf("%w: %d (no registry)", entities.ErrUnknownType, typ)
	}
	e, err := reg.Decode(typ, id, rec[TileHeaderBytes:])
	if err != nil {
		return t, err
	}
	t.Entity = e
	return t, nil
}

// EncodeChunk returns TilesPerChunk records in on-disk order, backed by one
// contiguous buffer.
func EncodeChunk(reg *entities.Registry, c *Chunk) ([][]byte, error) {
	buf := make([]byte, BodyBytesPerChunk)
	out := make([][]byte, TilesPerChunk)
	for i := range c.Tiles {
		rec := buf[i*BodyBytesPerTile : (i+1)*BodyBytesPerTile]
		if err := EncodeTile(reg, c.Tiles[i], rec); err != nil {
			return nil, fmt.Errorf("chunk %s tile %d: %w", c.Key, i, err)
		}
		out[i] = rec
	}
	return out, nil
}

// DecodeChunk rebuilds an initialised chunk from its records.
func DecodeChunk(reg *entities.Registry, key ChunkKey, recs [][]byte) (*Chunk, error) {
	if len(recs) != TilesPerChunk {
		return nil, fmt.Errorf("chunk %s: %d tile records, want %d", key, len(recs), TilesPerChunk)
	}
	c := New(key)
	for i, rec := range recs {
		t, err := DecodeTile(reg, rec)
		if err != nil {
			return nil, fmt.Errorf("chunk %s tile %d: %w", key, i, err)
		}
		c.Tiles[i] = t
	}
	c.Initialised = true
	return c, nil
}
