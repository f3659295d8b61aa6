package ws

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tileworld.ai/internal/persistence/gamefile"
	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/store"
)

var errRuntimeStopped = errors.New("runtime stopped")

type Server struct {
	rt     *world.Runtime
	params protocol.WorldParams
	log    *log.Logger

	// outQueue bounds the events buffered per connection before the runtime
	// drops a slow client.
	outQueue int

	upgrader websocket.Upgrader
}

func NewServer(rt *world.Runtime, params protocol.WorldParams, logger *log.Logger) *Server {
	return &Server{
		rt:       rt,
		params:   params,
		log:      logger,
		outQueue: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// connWriter serializes writes from the event pump and the reader loop.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func (w *connWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cw := &connWriter{conn: conn}

		playerID, out := s.handshake(cw)
		if playerID == "" {
			return
		}

		// Event pump. The runtime closes out when it drops the player.
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			for ev := range out {
				for _, m := range eventMessages(ev) {
					if err := cw.writeJSON(m); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
			cw.close(websocket.CloseGoingAway, "disconnected")
			_ = conn.Close()
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if err := s.handleMessage(cw, playerID, msg); err != nil {
				break
			}
		}

		s.leave(playerID)
		<-pumpDone
	}
}

func (s *Server) handshake(cw *connWriter) (playerID string, out chan world.ClientEvent) {
	_ = cw.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := cw.conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		cw.close(websocket.ClosePolicyViolation, "expected HELLO")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.fail(cw, protocol.ErrProtoBadRequest, "bad HELLO")
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.fail(cw, protocol.ErrProtoVersion, "bad protocol_version")
		return "", nil
	}
	if hello.PlayerID == "" {
		hello.PlayerID = uuid.NewString()
	}
	center := store.ChunkKey{}
	if hello.Spawn != nil {
		center = store.ChunkAtTile(hello.Spawn[0], hello.Spawn[1])
	}

	out = make(chan world.ClientEvent, s.outQueue)
	respCh := make(chan world.JoinResponse, 1)
	select {
	case s.rt.Join() <- world.JoinRequest{ID: hello.PlayerID, Center: center, Out: out, Resp: respCh}:
	case <-s.rt.Done():
		s.fail(cw, protocol.ErrServerBusy, errRuntimeStopped.Error())
		return "", nil
	}
	var resp world.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.rt.Done():
		s.fail(cw, protocol.ErrServerBusy, errRuntimeStopped.Error())
		return "", nil
	}
	if resp.Err != nil {
		s.fail(cw, codeFor(resp.Err), resp.Err.Error())
		return "", nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PlayerID:        resp.ID,
		WorldParams:     s.params,
	}
	if len(resp.PlayerData) > 0 {
		welcome.PlayerData = base64.StdEncoding.EncodeToString(resp.PlayerData)
	}
	// WELCOME must precede the first CHUNK; the pump has not started yet but
	// the runtime may already have queued events on out.
	if err := cw.writeJSON(welcome); err != nil {
		s.leave(resp.ID)
		return "", nil
	}
	if s.log != nil {
		s.log.Printf("player %s joined at %s", resp.ID, center)
	}
	return resp.ID, out
}

// leave tells the runtime the player is gone.
func (s *Server) leave(id string) {
	select {
	case s.rt.Leave() <- id:
	case <-s.rt.Done():
	}
}

func (s *Server) fail(cw *connWriter, code, message string) {
	_ = cw.writeJSON(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	cw.close(websocket.ClosePolicyViolation, code)
}

// handleMessage returns an error only when the connection should end.
func (s *Server) handleMessage(cw *connWriter, playerID string, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "malformed message"))
	}
	if base.ProtocolVersion != protocol.Version {
		return cw.writeJSON(errorMsg(protocol.ErrProtoVersion, "bad protocol_version"))
	}

	switch base.Type {
	case protocol.TypeMove:
		var m protocol.MoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "bad MOVE"))
		}
		select {
		case s.rt.Move() <- world.MoveRequest{ID: playerID, Center: store.ChunkAtTile(m.X, m.Z)}:
			return nil
		case <-s.rt.Done():
			return errRuntimeStopped
		}

	case protocol.TypePlace:
		var m protocol.PlaceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "bad PLACE"))
		}
		t, ok := s.rt.Registry().Lookup(m.Entity)
		if !ok {
			return cw.writeJSON(nack(m.ReqID, protocol.ErrUnknownEntity, "unknown entity "+m.Entity))
		}
		return s.edit(cw, m.ReqID, world.EditRequest{ID: playerID, X: m.X, Z: m.Z, Type: t})

	case protocol.TypeRemove:
		var m protocol.RemoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "bad REMOVE"))
		}
		return s.edit(cw, m.ReqID, world.EditRequest{ID: playerID, X: m.X, Z: m.Z, Remove: true})

	case protocol.TypePlayerData:
		var m protocol.PlayerDataMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "bad PLAYER_DATA"))
		}
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "player data is not base64"))
		}
		resp := make(chan error, 1)
		select {
		case s.rt.PlayerData() <- world.PlayerDataRequest{ID: playerID, Data: data, Resp: resp}:
		case <-s.rt.Done():
			return errRuntimeStopped
		}
		select {
		case err := <-resp:
			if err != nil {
				return cw.writeJSON(errorMsg(codeFor(err), err.Error()))
			}
			return nil
		case <-s.rt.Done():
			return errRuntimeStopped
		}
	}
	return cw.writeJSON(errorMsg(protocol.ErrProtoBadRequest, "unexpected message type "+base.Type))
}

func (s *Server) edit(cw *connWriter, reqID string, req world.EditRequest) error {
	resp := make(chan world.EditResult, 1)
	req.Resp = resp
	select {
	case s.rt.Edit() <- req:
	case <-s.rt.Done():
		return errRuntimeStopped
	}
	var res world.EditResult
	select {
	case res = <-resp:
	case <-s.rt.Done():
		return errRuntimeStopped
	}
	if res.Err != nil {
		return cw.writeJSON(nack(reqID, codeFor(res.Err), res.Err.Error()))
	}
	return cw.writeJSON(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        true,
		Instance:        uint32(res.Instance),
	})
}

func eventMessages(ev world.ClientEvent) []any {
	switch ev.Kind {
	case world.EventChunks:
		out := make([]any, 0, len(ev.Chunks))
		for _, p := range ev.Chunks {
			out = append(out, protocol.ChunkMsg{
				Type:            protocol.TypeChunk,
				ProtocolVersion: protocol.Version,
				Tick:            ev.Tick,
				CX:              p.Key.CX,
				CZ:              p.Key.CZ,
				Body:            base64.StdEncoding.EncodeToString(p.Body),
				Digest:          hex.EncodeToString(p.Digest[:]),
			})
		}
		return out
	case world.EventUnload:
		m := protocol.UnloadMsg{
			Type:            protocol.TypeUnload,
			ProtocolVersion: protocol.Version,
			Tick:            ev.Tick,
			Chunks:          make([][2]int, 0, len(ev.Unloaded)),
		}
		for _, k := range ev.Unloaded {
			m.Chunks = append(m.Chunks, [2]int{k.CX, k.CZ})
		}
		return []any{m}
	}
	return nil
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, world.ErrDuplicateJoin):
		return protocol.ErrDuplicatePlayer
	case errors.Is(err, world.ErrChunkNotLoaded):
		return protocol.ErrNotLoaded
	case errors.Is(err, store.ErrTileOccupied):
		return protocol.ErrTileOccupied
	case errors.Is(err, store.ErrNoEntity):
		return protocol.ErrNoEntity
	case errors.Is(err, entities.ErrUnknownType):
		return protocol.ErrUnknownEntity
	case errors.Is(err, gamefile.ErrInvalidPlayerID), errors.Is(err, store.ErrOutOfChunk):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: message}
}

func nack(reqID, code, message string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Code:            code,
		Message:         message,
	}
}
