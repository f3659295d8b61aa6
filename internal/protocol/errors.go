package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session.
	ErrDuplicatePlayer = "E_DUPLICATE_PLAYER"
	ErrServerBusy      = "E_SERVER_BUSY"

	// Edits.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNotLoaded     = "E_NOT_LOADED"
	ErrTileOccupied  = "E_TILE_OCCUPIED"
	ErrNoEntity      = "E_NO_ENTITY"
	ErrUnknownEntity = "E_UNKNOWN_ENTITY"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrDuplicatePlayer: {},
	ErrServerBusy:      {},
	ErrBadRequest:      {},
	ErrNotLoaded:       {},
	ErrTileOccupied:    {},
	ErrNoEntity:        {},
	ErrUnknownEntity:   {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
