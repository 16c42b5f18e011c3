package protocol

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/homeroute/homeroute/internal/apierr"
)

// Conn wraps a gorilla/websocket connection with the envelope
// encode/decode helpers every socket class (agent, host-agent) shares.
// Writes are serialized internally; gorilla/websocket supports at most
// one concurrent writer.
type Conn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// WriteMessage encodes and sends body as a text frame tagged t.
func (c *Conn) WriteMessage(t Type, body any) error {
	data, err := Encode(t, body)
	if err != nil {
		return apierr.ProtocolParse(err, "encode %s", t)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apierr.External(err, "write %s frame", t)
	}
	return nil
}

// WriteBinary sends a raw binary frame, used for migration chunk
// payloads immediately following a ReceiveChunkBinary text frame.
func (c *Conn) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return apierr.External(err, "write binary frame")
	}
	return nil
}

// ReadEnvelope blocks for the next frame and returns it decoded. A
// binary frame is returned with an empty Type and its payload in Body.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, apierr.External(err, "read frame")
	}
	if kind == websocket.BinaryMessage {
		return Envelope{Body: data}, nil
	}
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, apierr.ProtocolParse(err, "decode frame")
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }
