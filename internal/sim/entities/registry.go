package entities

import (
	"errors"
	"fmt"
	"sort"
)

// TypeID tags a static entity kind on disk. Zero is reserved for "no entity".
type TypeID uint16

// InstanceID identifies one placed entity. Zero means absent.
type InstanceID uint32

// MaxPayload is the number of bytes a tile slot leaves for an entity payload.
const MaxPayload = 49

var (
	ErrUnknownType    = errors.New("unknown entity type")
	ErrRecordTooLarge = errors.New("record too large for tile slot")
	ErrSealed         = errors.New("entity registry is sealed")
)

// Entity is a static entity resident on a tile.
type Entity interface {
	Type() TypeID
	ID() InstanceID
}

// Codec describes how one entity kind is sized and (de)serialized.
type Codec struct {
	Name string
	// Size is the fixed payload size of this kind.
	Size   int
	Decode func(id InstanceID, payload []byte) (Entity, error)
	Encode func(e Entity) ([]byte, error)
	// New builds an empty entity for placement. When nil, New on the
	// registry decodes an all-zero payload instead.
	New func(id InstanceID) Entity
}

// Registry maps type ids to codecs. It is filled once at startup and sealed
// before the first chunk is saved or loaded.
type Registry struct {
	codecs map[TypeID]Codec
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{codecs: map[TypeID]Codec{}}
}

func (r *Registry) Register(t TypeID, c Codec) error {
	if r.sealed {
		return ErrSealed
	}
	if t == 0 {
		return fmt.Errorf("entity type 0 is reserved")
	}
	if _, dup := r.codecs[t]; dup {
		return fmt.Errorf("entity type %d already registered", t)
	}
	if c.Decode == nil || c.Encode == nil {
		return fmt.Errorf("entity type %d (%s): missing codec funcs", t, c.Name)
	}
	if c.Size < 0 || c.Size > MaxPayload {
		return fmt.Errorf("%w: entity type %d (%s) size %d > %d", ErrRecordTooLarge, t, c.Name, c.Size, MaxPayload)
	}
	r.codecs[t] = c
	return nil
}

func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) Sealed() bool { return r.sealed }

// PacketSize returns the fixed payload size for t.
func (r *Registry) PacketSize(t TypeID) (int, bool) {
	c, ok := r.codecs[t]
	if !ok {
		return 0, false
	}
	return c.Size, true
}

func (r *Registry) Name(t TypeID) string {
	if c, ok := r.codecs[t]; ok {
		return c.Name
	}
	return fmt.Sprintf("type_%d", t)
}

// Lookup finds a registered type by codec name.
func (r *Registry) Lookup(name string) (TypeID, bool) {
	for t, c := range r.codecs {
		if c.Name == name {
			return t, true
		}
	}
	return 0, false
}

// Types lists registered type ids in ascending order.
func (r *Registry) Types() []TypeID {
	out := make([]TypeID, 0, len(r.codecs))
	for t := range r.codecs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode rebuilds an entity from a tile payload. payload may carry trailing
// padding; only the kind's fixed size is handed to the codec.
func (r *Registry) Decode(t TypeID, id InstanceID, payload []byte) (Entity, error) {
	c, ok := r.codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if len(payload) < c.Size {
		return nil, fmt.Errorf("entity %s#%d: payload %d bytes, want %d", c.Name, id, len(payload), c.Size)
	}
	return c.Decode(id, payload[:c.Size])
}

// Encode serializes e. Output longer than the kind's Size would be cut off
// on decode, so it is rejected.
func (r *Registry) Encode(e Entity) ([]byte, error) {
	c, ok := r.codecs[e.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, e.Type())
	}
	b, err := c.Encode(e)
	if err != nil {
		return nil, err
	}
	if len(b) > c.Size {
		return nil, fmt.Errorf("%w: %s#%d encoded %d bytes, size %d", ErrRecordTooLarge, c.Name, e.ID(), len(b), c.Size)
	}
	return b, nil
}

// New builds an empty entity of kind t, used when a client asks to place one.
func (r *Registry) New(t TypeID, id InstanceID) (Entity, error) {
	c, ok := r.codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if c.New != nil {
		return c.New(id), nil
	}
	return c.Decode(id, make([]byte, c.Size))
}
