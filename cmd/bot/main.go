package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"tileworld.ai/internal/protocol"
)

// bot walks randomly through the world, occasionally placing a sign, so the
// server streams and evicts chunks under load.
type bot struct {
	conn   *websocket.Conn
	logger *log.Logger
	rng    *rand.Rand

	x, z   int
	chunks map[[2]int]struct{}
	reqSeq int
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		id       = flag.String("id", "", "player id (empty: server issues one)")
		step     = flag.Duration("step", 2*time.Second, "interval between moves")
		stride   = flag.Int("stride", 24, "max tiles per move on each axis")
		placeOdd = flag.Int("place_every", 5, "place a sign every N moves (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b := &bot{
		conn:   conn,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		chunks: map[[2]int]struct{}{},
	}
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerID: *id}); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			msgs <- msg
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(*step)
	defer ticker.Stop()

	moves := 0
	for {
		select {
		case <-stop:
			b.savePosition()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.handle(msg)
		case <-ticker.C:
			moves++
			b.x += b.rng.Intn(2*(*stride)+1) - *stride
			b.z += b.rng.Intn(2*(*stride)+1) - *stride
			_ = conn.WriteJSON(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, X: b.x, Z: b.z})
			if *placeOdd > 0 && moves%*placeOdd == 0 {
				b.reqSeq++
				_ = conn.WriteJSON(protocol.PlaceMsg{
					Type:            protocol.TypePlace,
					ProtocolVersion: protocol.Version,
					ReqID:           fmt.Sprintf("place_%d", b.reqSeq),
					X:               b.x,
					Z:               b.z,
					Entity:          "sign",
				})
			}
		}
	}
}

func (b *bot) handle(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		if pos, err := decodePosition(w.PlayerData); err == nil {
			b.x, b.z = pos[0], pos[1]
		}
		b.logger.Printf("WELCOME player_id=%s seed=%d view_radius=%d at (%d,%d)", w.PlayerID, w.WorldParams.Seed, w.WorldParams.ViewRadius, b.x, b.z)
		_ = b.conn.WriteJSON(protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, X: b.x, Z: b.z})
	case protocol.TypeChunk:
		var c protocol.ChunkMsg
		if err := json.Unmarshal(msg, &c); err != nil {
			return
		}
		b.chunks[[2]int{c.CX, c.CZ}] = struct{}{}
	case protocol.TypeUnload:
		var u protocol.UnloadMsg
		if err := json.Unmarshal(msg, &u); err != nil {
			return
		}
		for _, k := range u.Chunks {
			delete(b.chunks, k)
		}
		b.logger.Printf("tick=%d unloaded=%d holding=%d", u.Tick, len(u.Chunks), len(b.chunks))
	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err == nil && !a.Accepted {
			b.logger.Printf("%s rejected: %s", a.AckFor, a.Code)
		}
	case protocol.TypeError:
		b.logger.Printf("server error: %s", msg)
	}
}

// savePosition stores the bot's tile position as its player data.
func (b *bot) savePosition() {
	raw, _ := json.Marshal([2]int{b.x, b.z})
	_ = b.conn.WriteJSON(protocol.PlayerDataMsg{
		Type:            protocol.TypePlayerData,
		ProtocolVersion: protocol.Version,
		Data:            base64.StdEncoding.EncodeToString(raw),
	})
	_ = b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}

func decodePosition(data string) ([2]int, error) {
	var pos [2]int
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(raw) == 0 {
		return pos, fmt.Errorf("no position")
	}
	err = json.Unmarshal(raw, &pos)
	return pos, err
}
