package protocol

// HELLO (client -> server). An empty PlayerID asks the server to issue one.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id,omitempty"`
	// Spawn is the tile the player starts at, defaulting to the origin.
	Spawn *[2]int `json:"spawn,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	PlayerID        string      `json:"player_id"`
	WorldParams     WorldParams `json:"world_params"`
	// PlayerData is the base64 blob last stored with PLAYER_DATA.
	PlayerData string `json:"player_data,omitempty"`
}

type WorldParams struct {
	TickRateHz int   `json:"tick_rate_hz"`
	ChunkSize  int   `json:"chunk_size"`
	RegionEdge int   `json:"region_edge"`
	ViewRadius int   `json:"view_radius"`
	Seed       int32 `json:"seed"`
}

// MOVE (client -> server): the player's new tile position.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
}

// CHUNK (server -> client): one chunk body in on-disk tile order.
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	CX              int    `json:"cx"`
	CZ              int    `json:"cz"`
	Body            string `json:"body"`   // base64
	Digest          string `json:"digest"` // sha256 hex of terrain fields
}

// UNLOAD (server -> client): chunks that left the player's window.
type UnloadMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Chunks          [][2]int `json:"chunks"`
}

// PLACE (client -> server)
type PlaceMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
	Entity          string `json:"entity"`
}

// REMOVE (client -> server)
type RemoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	X               int    `json:"x"`
	Z               int    `json:"z"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Instance        uint32 `json:"instance,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// PLAYER_DATA (client -> server)
type PlayerDataMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Data            string `json:"data"` // base64
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
