package entities

import (
	"encoding/binary"
	"fmt"
)

const (
	TypeTree  TypeID = 1
	TypeRock  TypeID = 2
	TypeChest TypeID = 3
	TypeSign  TypeID = 4
)

const (
	ChestSlots   = 8
	SignTextSize = 32
)

type Tree struct {
	Instance InstanceID
	Species  uint8
	Age      uint16
}

func (t *Tree) Type() TypeID   { return TypeTree }
func (t *Tree) ID() InstanceID { return t.Instance }

type Rock struct {
	Instance InstanceID
	Hardness uint8
	Ore      uint8
}

func (r *Rock) Type() TypeID   { return TypeRock }
func (r *Rock) ID() InstanceID { return r.Instance }

type ItemStack struct {
	Item  uint16
	Count uint16
}

type Chest struct {
	Instance InstanceID
	Slots    [ChestSlots]ItemStack
}

func (c *Chest) Type() TypeID   { return TypeChest }
func (c *Chest) ID() InstanceID { return c.Instance }

type Sign struct {
	Instance InstanceID
	Text     string
}

func (s *Sign) Type() TypeID   { return TypeSign }
func (s *Sign) ID() InstanceID { return s.Instance }

// Default returns a sealed registry holding the built-in static entity kinds.
func Default() *Registry {
	r := NewRegistry()
	mustRegister(r, TypeTree, Codec{
		Name: "tree",
		New:  func(id InstanceID) Entity { return &Tree{Instance: id} },
		Size: 3,
		Decode: func(id InstanceID, b []byte) (Entity, error) {
			return &Tree{Instance: id, Species: b[0], Age: binary.LittleEndian.Uint16(b[1:3])}, nil
		},
		Encode: func(e Entity) ([]byte, error) {
			t, ok := e.(*Tree)
			if !ok {
				return nil, fmt.Errorf("tree codec: got %T", e)
			}
			b := make([]byte, 3)
			b[0] = t.Species
			binary.LittleEndian.PutUint16(b[1:3], t.Age)
			return b, nil
		},
	})
	mustRegister(r, TypeRock, Codec{
		Name: "rock",
		New:  func(id InstanceID) Entity { return &Rock{Instance: id} },
		Size: 2,
		Decode: func(id InstanceID, b []byte) (Entity, error) {
			return &Rock{Instance: id, Hardness: b[0], Ore: b[1]}, nil
		},
		Encode: func(e Entity) ([]byte, error) {
			r, ok := e.(*Rock)
			if !ok {
				return nil, fmt.Errorf("rock codec: got %T", e)
			}
			return []byte{r.Hardness, r.Ore}, nil
		},
	})
	mustRegister(r, TypeChest, Codec{
		Name: "chest",
		New:  func(id InstanceID) Entity { return &Chest{Instance: id} },
		Size: ChestSlots * 4,
		Decode: func(id InstanceID, b []byte) (Entity, error) {
			c := &Chest{Instance: id}
			for i := range c.Slots {
				off := i * 4
				c.Slots[i] = ItemStack{
					Item:  binary.LittleEndian.Uint16(b[off : off+2]),
					Count: binary.LittleEndian.Uint16(b[off+2 : off+4]),
				}
			}
			return c, nil
		},
		Encode: func(e Entity) ([]byte, error) {
			c, ok := e.(*Chest)
			if !ok {
				return nil, fmt.Errorf("chest codec: got %T", e)
			}
			b := make([]byte, ChestSlots*4)
			for i, s := range c.Slots {
				off := i * 4
				binary.LittleEndian.PutUint16(b[off:off+2], s.Item)
				binary.LittleEndian.PutUint16(b[off+2:off+4], s.Count)
			}
			return b, nil
		},
	})
	mustRegister(r, TypeSign, Codec{
		Name: "sign",
		New:  func(id InstanceID) Entity { return &Sign{Instance: id} },
		Size: 1 + SignTextSize,
		Decode: func(id InstanceID, b []byte) (Entity, error) {
			n := int(b[0])
			if n > SignTextSize {
				return nil, fmt.Errorf("sign#%d: text length %d > %d", id, n, SignTextSize)
			}
			return &Sign{Instance: id, Text: string(b[1 : 1+n])}, nil
		},
		Encode: func(e Entity) ([]byte, error) {
			s, ok := e.(*Sign)
			if !ok {
				return nil, fmt.Errorf("sign codec: got %T", e)
			}
			if len(s.Text) > SignTextSize {
				return nil, fmt.Errorf("%w: sign text %d bytes > %d", ErrRecordTooLarge, len(s.Text), SignTextSize)
			}
			b := make([]byte, 1+SignTextSize)
			b[0] = byte(len(s.Text))
			copy(b[1:], s.Text)
			return b, nil
		},
	})
	r.Seal()
	return r
}

func mustRegister(r *Registry, t TypeID, c Codec) {
	if err := r.Register(t, c); err != nil {
		panic(err)
	}
}
