package entities

import (
	"errors"
	"testing"
)

func TestDefaultRegistryRoundTrip(t *testing.T) {
	r := Default()
	if !r.Sealed() {
		t.Fatalf("default registry should be sealed")
	}

	chest := &Chest{Instance: 7}
	chest.Slots[0] = ItemStack{Item: 12, Count: 3}
	chest.Slots[7] = ItemStack{Item: 400, Count: 65000}

	in := []Entity{
		&Tree{Instance: 1, Species: 2, Age: 300},
		&Rock{Instance: 2, Hardness: 9, Ore: 1},
		chest,
		&Sign{Instance: 9, Text: "spawn"},
	}
	for _, e := range in {
		b, err := r.Encode(e)
		if err != nil {
			t.Fatalf("encode %T: %v", e, err)
		}
		size, ok := r.PacketSize(e.Type())
		if !ok || size != len(b) {
			t.Fatalf("%T: packet size %d ok=%v, encoded %d", e, size, ok, len(b))
		}
		// Trailing padding must be ignored.
		padded := append(b, 0, 0, 0)
		got, err := r.Decode(e.Type(), e.ID(), padded)
		if err != nil {
			t.Fatalf("decode %T: %v", e, err)
		}
		if got.ID() != e.ID() || got.Type() != e.Type() {
			t.Fatalf("decoded %T id=%d type=%d", got, got.ID(), got.Type())
		}
	}

	got, _ := r.Decode(TypeChest, 7, mustEncode(t, r, chest))
	if got.(*Chest).Slots != chest.Slots {
		t.Fatalf("chest slots mismatch: %+v", got.(*Chest).Slots)
	}
	got, _ = r.Decode(TypeSign, 9, mustEncode(t, r, &Sign{Instance: 9, Text: "spawn"}))
	if got.(*Sign).Text != "spawn" {
		t.Fatalf("sign text=%q", got.(*Sign).Text)
	}
}

func mustEncode(t *testing.T, r *Registry, e Entity) []byte {
	t.Helper()
	b, err := r.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestSignTextTooLong(t *testing.T) {
	r := Default()
	long := make([]byte, SignTextSize+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := r.Encode(&Sign{Instance: 1, Text: string(long)})
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry()
	noop := Codec{
		Name:   "x",
		Size:   1,
		Decode: func(id InstanceID, b []byte) (Entity, error) { return &Rock{Instance: id}, nil },
		Encode: func(e Entity) ([]byte, error) { return []byte{0}, nil },
	}
	if err := r.Register(0, noop); err == nil {
		t.Fatalf("type 0 must be rejected")
	}
	big := noop
	big.Size = MaxPayload + 1
	if err := r.Register(5, big); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("oversized codec: got %v", err)
	}
	if err := r.Register(5, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(5, noop); err == nil {
		t.Fatalf("duplicate must be rejected")
	}
	r.Seal()
	if err := r.Register(6, noop); !errors.Is(err, ErrSealed) {
		t.Fatalf("sealed registry: got %v", err)
	}
	if _, err := r.Decode(99, 1, nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: got %v", err)
	}
}

type lamp struct {
	Instance InstanceID
	Lit      bool
}

func (l *lamp) Type() TypeID   { return 20 }
func (l *lamp) ID() InstanceID { return l.Instance }

func lampCodec() Codec {
	return Codec{
		Name:   "lamp",
		Size:   1,
		Decode: func(id InstanceID, b []byte) (Entity, error) { return &lamp{Instance: id, Lit: b[0] == 1}, nil },
		Encode: func(e Entity) ([]byte, error) {
			if e.(*lamp).Lit {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
	}
}

func TestRegistryNewBuildsRegisteredKinds(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(20, lampCodec()); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Seal()
	tid, ok := r.Lookup("lamp")
	if !ok {
		t.Fatalf("lamp not found")
	}
	e, err := r.New(tid, 3)
	if err != nil {
		t.Fatalf("new lamp: %v", err)
	}
	if l, ok := e.(*lamp); !ok || l.Instance != 3 || l.Lit {
		t.Fatalf("new lamp=%+v", e)
	}
	if _, err := r.New(TypeChest, 1); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("kind missing from this registry: got %v", err)
	}

	d := Default()
	for _, tid := range d.Types() {
		e, err := d.New(tid, 5)
		if err != nil || e.Type() != tid || e.ID() != 5 {
			t.Fatalf("Default().New(%d)=%v,%v", tid, e, err)
		}
	}
}

func TestEncodeRejectsOutputBeyondSize(t *testing.T) {
	r := NewRegistry()
	c := lampCodec()
	c.Encode = func(e Entity) ([]byte, error) { return []byte{1, 2, 3}, nil }
	if err := r.Register(20, c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Encode(&lamp{Instance: 1}); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}
