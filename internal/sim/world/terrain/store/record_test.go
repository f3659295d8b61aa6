package store

import (
	"bytes"
	"errors"
	"testing"

	"tileworld.ai/internal/sim/entities"
)

func TestRegionAndLocalMapping(t *testing.T) {
	cases := []struct {
		key    ChunkKey
		region RegionKey
		lx, lz int
	}{
		{ChunkKey{5, 5}, RegionKey{0, 0}, 5, 5},
		{ChunkKey{-5, -5}, RegionKey{-1, -1}, 27, 27},
		{ChunkKey{-1, 0}, RegionKey{-1, 0}, 31, 0},
		{ChunkKey{32, -32}, RegionKey{1, -1}, 0, 0},
		{ChunkKey{-33, 63}, RegionKey{-2, 1}, 31, 31},
	}
	for _, c := range cases {
		if got := c.key.Region(); got != c.region {
			t.Fatalf("%s region=%v want %v", c.key, got, c.region)
		}
		lx, lz := c.key.Local()
		if lx != c.lx || lz != c.lz {
			t.Fatalf("%s local=(%d,%d) want (%d,%d)", c.key, lx, lz, c.lx, c.lz)
		}
		if back := c.region.Chunk(lx, lz); back != c.key {
			t.Fatalf("region %v local (%d,%d) -> %s want %s", c.region, lx, lz, back, c.key)
		}
	}
}

func TestChunkAtTile(t *testing.T) {
	if got := ChunkAtTile(-1, 15); got != (ChunkKey{-1, 0}) {
		t.Fatalf("ChunkAtTile(-1,15)=%s", got)
	}
	if got := ChunkAtTile(16, -16); got != (ChunkKey{1, -1}) {
		t.Fatalf("ChunkAtTile(16,-16)=%s", got)
	}
}

func TestChunkRecordRoundTrip(t *testing.T) {
	reg := entities.Default()
	c := New(ChunkKey{3, -4})
	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			c.Set(x, z, Tile{Tileset: uint8(x + z), Moisture: float32(x) / 16, Elevation: -float32(z) * 1.5})
		}
	}
	if err := c.PlaceEntity(2, 3, &entities.Tree{Instance: 11, Species: 4, Age: 90}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := c.PlaceEntity(15, 15, &entities.Sign{Instance: 12, Text: "hello"}); err != nil {
		t.Fatalf("place: %v", err)
	}

	recs, err := EncodeChunk(reg, c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(recs) != TilesPerChunk || len(recs[0]) != BodyBytesPerTile {
		t.Fatalf("unexpected record shape %d x %d", len(recs), len(recs[0]))
	}
	// x-major order: tile (1,0) is record 16.
	if recs[16][0] != 1 {
		t.Fatalf("record 16 tileset=%d want 1", recs[16][0])
	}

	got, err := DecodeChunk(reg, c.Key, recs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Digest() != c.Digest() {
		t.Fatalf("terrain digest mismatch after round trip")
	}
	if !got.Initialised {
		t.Fatalf("decoded chunk should be initialised")
	}
	tree, ok := got.Get(2, 3).Entity.(*entities.Tree)
	if !ok || tree.Instance != 11 || tree.Species != 4 || tree.Age != 90 {
		t.Fatalf("tree mismatch: %#v", got.Get(2, 3).Entity)
	}
	sign, ok := got.Get(15, 15).Entity.(*entities.Sign)
	if !ok || sign.Text != "hello" {
		t.Fatalf("sign mismatch: %#v", got.Get(15, 15).Entity)
	}

	again, err := EncodeChunk(reg, got)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	for i := range recs {
		if !bytes.Equal(recs[i], again[i]) {
			t.Fatalf("record %d differs after round trip", i)
		}
	}
}

type blob struct{ id entities.InstanceID }

func (b *blob) Type() entities.TypeID   { return 42 }
func (b *blob) ID() entities.InstanceID { return b.id }

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	reg := entities.NewRegistry()
	// The codec claims a legal size but emits more bytes than the slot holds.
	err := reg.Register(42, entities.Codec{
		Name:   "blob",
		Size:   8,
		Decode: func(id entities.InstanceID, b []byte) (entities.Entity, error) { return &blob{id: id}, nil },
		Encode: func(e entities.Entity) ([]byte, error) { return make([]byte, MaxEntityPayload+1), nil },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	c := New(ChunkKey{})
	if err := c.PlaceEntity(0, 0, &blob{id: 1}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := EncodeChunk(reg, c); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestPlaceAndRemoveEntity(t *testing.T) {
	c := New(ChunkKey{})
	if err := c.PlaceEntity(1, 1, &entities.Rock{Instance: 5}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := c.PlaceEntity(1, 1, &entities.Rock{Instance: 6}); !errors.Is(err, ErrTileOccupied) {
		t.Fatalf("expected ErrTileOccupied, got %v", err)
	}
	if err := c.PlaceEntity(ChunkSize, 0, &entities.Rock{Instance: 6}); !errors.Is(err, ErrOutOfChunk) {
		t.Fatalf("expected ErrOutOfChunk, got %v", err)
	}
	e, err := c.RemoveEntity(1, 1)
	if err != nil || e.ID() != 5 {
		t.Fatalf("remove: e=%v err=%v", e, err)
	}
	if _, err := c.RemoveEntity(1, 1); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("expected ErrNoEntity, got %v", err)
	}
	if !c.Dirty() {
		t.Fatalf("chunk should be dirty after edits")
	}
}
