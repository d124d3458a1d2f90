// Package wsbridge relays WebSocket traffic frame-by-frame between a
// client and the real upstream once a connection has been upgraded
// (SPEC_FULL.md §4.6). Unlike a byte-level tunnel, every frame is
// parsed, logged, and individually forwarded, so the capture store and
// scanner can observe WebSocket traffic the same way they observe HTTP
// flows.
package wsbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"
)

// Direction names which side a frame travelled.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "c2s"
	}
	return "s2c"
}

// State is the lifecycle of one bridged WebSocket connection.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateFailed
)

// WsFrame is one logged WebSocket frame (SPEC_FULL.md §3 WsFrame: "fin,
// masked, compressed" are required fields alongside direction/type/
// payload).
type WsFrame struct {
	Seq        int64
	Direction  Direction
	OpCode     int
	Payload    []byte
	Fin        bool
	Masked     bool
	Compressed bool
	Timestamp  time.Time
}

// WsConnection tracks one bridged WebSocket session and its frame log.
type WsConnection struct {
	ID  uuid.UUID
	URL string

	// Compressed records whether this connection negotiated
	// permessage-deflate. gorilla/websocket exposes compression only at
	// the connection level (the RSV1 bit on an individual frame is not a
	// public API), so every logged frame on a connection shares this one
	// value rather than a genuinely per-frame flag. Callers set it right
	// after the handshake, before Bridge.Relay starts pumping.
	Compressed bool

	mu     sync.Mutex
	state  State
	frames []WsFrame
	seq    int64
}

// NewWsConnection creates a WsConnection in the open state.
func NewWsConnection(url string) *WsConnection {
	return &WsConnection{ID: uuid.NewV4(), URL: url, state: StateOpen}
}

func (w *WsConnection) appendFrame(dir Direction, opCode int, payload []byte) WsFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	f := WsFrame{
		Seq:       w.seq,
		Direction: dir,
		OpCode:    opCode,
		Payload:   append([]byte(nil), payload...),
		// gorilla/websocket always hands back one fully reassembled
		// message per ReadMessage call — it never surfaces an
		// intermediate continuation frame — so every logged frame is
		// final.
		Fin: true,
		// RFC 6455 §5.1 requires client-to-server frames to be masked
		// and forbids masking server-to-client ones, so direction alone
		// determines this without needing raw frame access.
		Masked:     dir == ClientToServer,
		Compressed: w.Compressed,
		Timestamp:  time.Now(),
	}
	w.frames = append(w.frames, f)
	return f
}

// Frames returns a snapshot copy of the frame log.
func (w *WsConnection) Frames() []WsFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WsFrame, len(w.frames))
	copy(out, w.frames)
	return out
}

// State reports the connection's current lifecycle state.
func (w *WsConnection) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WsConnection) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateOpen {
		w.state = s
	}
}

// FrameObserver is notified of every frame as it is relayed, before it
// reaches the other side. Optional: a nil observer is skipped.
type FrameObserver func(conn *WsConnection, f WsFrame)

// Bridge relays frames between two already-upgraded *websocket.Conn.
type Bridge struct {
	Logger   *slog.Logger
	OnFrame  FrameObserver
}

// NewBridge creates a Bridge. A nil logger falls back to slog.Default.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{Logger: logger}
}

// controlWriteWait bounds how long a forwarded ping/pong/close control
// frame may take to write to the opposite peer.
const controlWriteWait = 5 * time.Second

// installControlForwarding overrides gorilla's default ping/pong/close
// handling on from so control frames are relayed to to instead of being
// answered locally. gorilla/websocket's ReadMessage/NextReader dispatch
// ping, pong, and close frames to these handlers before ever returning
// them as a message — the default handlers reply to the peer that sent
// them and, for ping, never surface the frame to the caller at all. Left
// un-overridden, no ping/pong/close ever reaches the frame log or the
// other side, violating spec.md §4.6 ("Control frames ... are forwarded,
// not synthesized").
func installControlForwarding(b *Bridge, wc *WsConnection, dir Direction, from, to *websocket.Conn) {
	from.SetPingHandler(func(data string) error {
		frame := wc.appendFrame(dir, websocket.PingMessage, []byte(data))
		if b.OnFrame != nil {
			b.OnFrame(wc, frame)
		}
		return to.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWriteWait))
	})
	from.SetPongHandler(func(data string) error {
		frame := wc.appendFrame(dir, websocket.PongMessage, []byte(data))
		if b.OnFrame != nil {
			b.OnFrame(wc, frame)
		}
		return to.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
	})
	from.SetCloseHandler(func(code int, text string) error {
		frame := wc.appendFrame(dir, websocket.CloseMessage, []byte(text))
		if b.OnFrame != nil {
			b.OnFrame(wc, frame)
		}
		// Forward the close frame itself rather than gorilla's default
		// behavior of replying to from — a relay must pass the close
		// along to the real peer, not answer on behalf of one.
		closeMsg := websocket.FormatCloseMessage(code, text)
		_ = to.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(controlWriteWait))
		return nil
	})
}

// Relay pumps frames both directions until either side closes, errors,
// or ctx is cancelled. It blocks until the relay is finished.
func (b *Bridge) Relay(ctx context.Context, client, server *websocket.Conn, wc *WsConnection) error {
	errCh := make(chan error, 2)

	installControlForwarding(b, wc, ClientToServer, client, server)
	installControlForwarding(b, wc, ServerToClient, server, client)

	pump := func(dir Direction, from, to *websocket.Conn) {
		for {
			mt, payload, err := from.ReadMessage()
			if err != nil {
				if _, ok := err.(*websocket.CloseError); ok {
					// installControlForwarding's close handler already
					// forwarded the close frame above; this is an
					// orderly shutdown, not a bridge failure.
					errCh <- nil
					return
				}
				errCh <- err
				return
			}

			frame := wc.appendFrame(dir, mt, payload)
			if b.OnFrame != nil {
				b.OnFrame(wc, frame)
			}

			if err := to.WriteMessage(mt, payload); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(ClientToServer, client, server)
	go pump(ServerToClient, server, client)

	var finalErr error
	select {
	case finalErr = <-errCh:
	case <-ctx.Done():
		finalErr = ctx.Err()
	}

	if finalErr != nil {
		wc.setState(StateFailed)
		b.Logger.Warn("websocket bridge closed with error", "conn", wc.ID.String(), "error", finalErr)
	} else {
		wc.setState(StateClosed)
	}

	_ = client.Close()
	_ = server.Close()

	// Drain the second pump goroutine so it doesn't leak.
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
	}

	return finalErr
}
