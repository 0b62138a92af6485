package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WireFrame is one unit of egress: either a JSON control message or a raw
// binary TTS chunk. Producing both kinds through a single ordered channel
// (rather than two channels fed into a select) is what guarantees spec §5's
// ordering invariant: all TTS bytes for response R precede any event for
// utterance R+1.
type WireFrame struct {
	Binary bool
	Data   []byte
}

// Transport is the duplex channel C7 binds to a Session: JSON control
// messages as text frames, audio as binary frames (spec §4.7/§6). Grounded
// on the gorilla/websocket duplex pattern (ReadPump/WritePump/SendControl,
// ping/pong keepalive) used for server-accepting voice sockets.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// ReadPump blocks reading frames until the connection closes. Binary frames
// go to onBinary, text frames (JSON control messages) to onControl. cancel
// runs on exit so sibling tasks (WritePump, event forwarding) unwind
// together.
func (t *Transport) ReadPump(cancel func(), onBinary func([]byte), onControl func([]byte)) {
	defer cancel()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			onBinary(data)
		case websocket.TextMessage:
			onControl(data)
		}
	}
}

// WritePump is the connection's only writer (besides SendControl's ad-hoc
// sends guarded by the same writeMu): it drains out in order and interleaves
// periodic pings, until out closes or done fires.
func (t *Transport) WritePump(done <-chan struct{}, out <-chan WireFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-out:
			if !ok {
				return
			}
			msgType := websocket.TextMessage
			if f.Binary {
				msgType = websocket.BinaryMessage
			}
			if err := t.writeRaw(msgType, f.Data); err != nil {
				return
			}
		case <-ticker.C:
			if err := t.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) writeRaw(msgType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(msgType, data)
}

// SendControl marshals and writes one JSON control message out-of-band from
// the egress queue: used for the handshake reply and any send that must not
// wait behind a pending TTS-byte backlog.
func (t *Transport) SendControl(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.writeRaw(websocket.TextMessage, data)
}

func (t *Transport) Close(code int, reason string) error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	t.conn.WriteMessage(websocket.CloseMessage, msg)
	t.writeMu.Unlock()
	return t.conn.Close()
}
