package world

import (
	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// Store is the persistence surface the runtime drives.
type Store interface {
	ChunkSource
	KnownChunks() ([]store.ChunkKey, error)
	SavePlayer(id string, b []byte) error
	LoadPlayer(id string) ([]byte, bool, error)
	NextEntityID() uint32
	Flush() error
}

// TickLogger records one entry per tick that changed residency.
type TickLogger interface {
	WriteTick(e TickLogEntry) error
}

type TickLogEntry struct {
	Tick      uint64           `json:"tick"`
	Loaded    []store.ChunkKey `json:"loaded,omitempty"`
	Generated []store.ChunkKey `json:"generated,omitempty"`
	Unloaded  []store.ChunkKey `json:"unloaded,omitempty"`
	Saved     int              `json:"saved,omitempty"`
	Joined    []string         `json:"joined,omitempty"`
	Left      []string         `json:"left,omitempty"`
	Resident  int              `json:"resident"`
	Consumers int              `json:"consumers"`
}

type RuntimeConfig struct {
	TickRateHz         int
	ViewRadius         int
	AutosaveEveryTicks int
	// SpawnKeepRadius pins the chunks around the origin; negative disables.
	SpawnKeepRadius int
}

type JoinRequest struct {
	ID     string
	Center store.ChunkKey
	Out    chan ClientEvent
	Resp   chan JoinResponse
}

type JoinResponse struct {
	ID         string
	PlayerData []byte
	Err        error
}

type MoveRequest struct {
	ID     string
	Center store.ChunkKey
}

// EditRequest places or removes the entity on world tile (X,Z).
type EditRequest struct {
	ID     string
	X, Z   int
	Remove bool
	Type   entities.TypeID
	Resp   chan EditResult
}

type EditResult struct {
	Instance entities.InstanceID
	Err      error
}

type PlayerDataRequest struct {
	ID   string
	Data []byte
	Resp chan error
}

type EventKind string

const (
	EventChunks EventKind = "CHUNKS"
	EventUnload EventKind = "UNLOAD"
)

// ChunkPayload is a detached copy of a chunk's on-disk body.
type ChunkPayload struct {
	Key    store.ChunkKey
	Body   []byte
	Digest [32]byte
}

type ClientEvent struct {
	Kind     EventKind
	Tick     uint64
	Chunks   []ChunkPayload
	Unloaded []store.ChunkKey
}

type Stats struct {
	Tick      uint64 `json:"tick"`
	Resident  int    `json:"resident"`
	Known     int    `json:"known"`
	Consumers int    `json:"consumers"`
}
