package mux

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"midterm/internal/session"
)

// flushScanInterval is how often the background-flush loop checks pending
// buffers for the 2 s age trigger. Finer than the 2 s trigger itself so the
// actual flush lands close to the deadline, grounded on the teacher's
// OutputFlushManager's own-timer-plus-wake-channel idiom.
const flushScanInterval = 250 * time.Millisecond

// writeStallTimeout closes the socket if a single outbound write blocks
// longer than this (spec.md §5 Suspension points).
const writeStallTimeout = 5 * time.Second

type pendingBuf struct {
	buf   bytes.Buffer
	since time.Time
}

// newClientID draws a fresh, ephemeral per-connection id for the Init frame
// (spec.md §4.5), distinct from the 8-hex session id minted by
// internal/session.generateID — this one is carried only for the lifetime
// of one WebSocket connection and never persisted.
func newClientID() [32]byte {
	var id [32]byte
	_, _ = rand.Read(id[:])
	return id
}

// sessionManager is the subset of *session.Manager a Channel needs, kept
// narrow so tests can substitute a fake registry instead of spinning up
// real PTY Hosts.
type sessionManager interface {
	Subscribe(l session.OutputListener) func()
	List() []session.Snapshot
	Get(id string) (session.Snapshot, error)
	ScrollbackSnapshot(id string) ([]byte, uint64, error)
	WriteInput(id string, data []byte)
	Resize(id string, cols, rows int) error
}

// Channel is one connected client's Mux Channel (spec.md §4.5): it
// subscribes to every session's output, classifies each as active or
// background, batches/compresses background output, and enforces
// per-client backpressure.
type Channel struct {
	conn    *websocket.Conn
	manager sessionManager
	log     *slog.Logger

	unsubscribe func()

	outbound chan []byte

	mu      sync.Mutex
	active  string
	pending map[string]*pendingBuf
	closed  bool

	stopFlush chan struct{}
	done      chan struct{}
}

// NewChannel wraps an already-upgraded WebSocket connection as a Mux
// Channel bound to manager.
func NewChannel(conn *websocket.Conn, manager sessionManager) *Channel {
	return &Channel{
		conn:      conn,
		manager:   manager,
		log:       slog.With("subsystem", "mux"),
		outbound:  make(chan []byte, OutboundQueueCap),
		pending:   make(map[string]*pendingBuf),
		stopFlush: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run drives the channel's full lifecycle: Init, initial snapshots, steady
// state read/write pumps. Blocks until the connection closes or ctx is
// cancelled.
func (c *Channel) Run(ctx context.Context) {
	c.conn.SetReadLimit(1 << 20)

	c.unsubscribe = c.manager.Subscribe(c)
	defer c.unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	go c.flushLoop()
	defer close(c.stopFlush)

	c.enqueue(EncodeInit(ProtocolVersion, newClientID()))
	for _, snap := range c.manager.List() {
		c.sendSnapshot(snap.ID)
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	c.readPump()
	c.unsubscribe()
	c.markClosed()
	c.conn.Close()
	close(c.done)
	<-writerDone
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// readPump processes inbound frames in receipt order until the connection
// errors or closes (spec.md §5 ordering guarantee).
func (c *Channel) readPump() {
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			c.log.Warn("[mux] rejecting non-binary frame, closing")
			c.conn.Close()
			return
		}
		f, err := DecodeInbound(raw)
		if err != nil {
			c.log.Warn("[mux] malformed frame, closing", "error", err)
			c.conn.Close()
			return
		}
		c.handleInbound(f)
	}
}

func (c *Channel) handleInbound(f InboundFrame) {
	switch f.Type {
	case FrameInput:
		c.manager.WriteInput(f.SessionID, f.Payload)
	case FrameResize:
		_ = c.manager.Resize(f.SessionID, int(f.Cols), int(f.Rows))
	case FrameBufferRequest:
		c.sendSnapshot(f.SessionID)
	case FrameActiveSessionHint:
		c.setActive(f.SessionID)
	}
}

// setActive atomically flushes the newly active session's pending buffer
// and reclassifies it; the previously active session becomes background
// (spec.md §4.5: "the active-session change is atomic").
func (c *Channel) setActive(id string) {
	c.mu.Lock()
	c.active = id
	buf, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && buf.buf.Len() > 0 {
		c.flushPayload(id, buf.buf.Bytes())
	}
}

// writePump is the single goroutine that ever calls conn.WriteMessage
// (gorilla/websocket forbids concurrent writers).
func (c *Channel) writePump() {
	for {
		var frame []byte
		select {
		case frame = <-c.outbound:
		case <-c.done:
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeStallTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Warn("[mux] write failed, closing", "error", err)
			c.conn.Close()
			return
		}
	}
}

// enqueue places frame on the bounded outbound queue. On overflow it drops
// everything queued for this client, clears pending buffers, and enqueues
// a single Resync in their place (spec.md §4.5 Backpressure and overflow).
func (c *Channel) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.outbound <- frame:
		return
	default:
	}
	c.resync()
}

func (c *Channel) resync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = make(map[string]*pendingBuf)
	c.mu.Unlock()

drain:
	for {
		select {
		case <-c.outbound:
		default:
			break drain
		}
	}

	select {
	case c.outbound <- EncodeResync():
	default:
	}

	for _, snap := range c.manager.List() {
		c.sendSnapshot(snap.ID)
	}
}

func (c *Channel) sendSnapshot(id string) {
	data, _, err := c.manager.ScrollbackSnapshot(id)
	if err != nil {
		return
	}
	snap, err := c.manager.Get(id)
	if err != nil {
		return
	}
	c.sendOutputOrCompressed(id, uint16(snap.Cols), uint16(snap.Rows), data)
}

func (c *Channel) sendOutputOrCompressed(id string, cols, rows uint16, data []byte) {
	if len(data) >= CompressionThreshold {
		compressed, err := gzipCompress(data)
		if err == nil {
			c.enqueue(EncodeCompressedOutput(id, cols, rows, uint32(len(data)), compressed))
			return
		}
	}
	c.enqueue(EncodeOutput(id, cols, rows, data))
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flushLoop periodically flushes pending background buffers that have
// aged past the 2 s trigger (spec.md §4.5).
func (c *Channel) flushLoop() {
	ticker := time.NewTicker(flushScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopFlush:
			return
		case <-ticker.C:
			c.flushAged()
		}
	}
}

func (c *Channel) flushAged() {
	now := time.Now()
	var ready []string
	c.mu.Lock()
	for id, buf := range c.pending {
		if buf.buf.Len() > 0 && now.Sub(buf.since) >= 2*time.Second {
			ready = append(ready, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ready {
		c.mu.Lock()
		buf, ok := c.pending[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		delete(c.pending, id)
		c.mu.Unlock()
		c.flushPayload(id, buf.buf.Bytes())
	}
}

func (c *Channel) flushPayload(id string, data []byte) {
	if len(data) == 0 {
		return
	}
	snap, err := c.manager.Get(id)
	if err != nil {
		return
	}
	c.sendOutputOrCompressed(id, uint16(snap.Cols), uint16(snap.Rows), data)
}

// OnSessionOutput implements session.OutputListener. The active session's
// output is forwarded uncompressed, one message per append; every other
// session accumulates in a pending buffer flushed by size or age.
func (c *Channel) OnSessionOutput(sessionID string, data []byte) {
	c.mu.Lock()
	if sessionID == c.active {
		c.mu.Unlock()
		snap, err := c.manager.Get(sessionID)
		if err != nil {
			return
		}
		c.enqueue(EncodeOutput(sessionID, uint16(snap.Cols), uint16(snap.Rows), data))
		return
	}
	buf, ok := c.pending[sessionID]
	if !ok {
		buf = &pendingBuf{since: time.Now()}
		c.pending[sessionID] = buf
	}
	buf.buf.Write(data)
	full := buf.buf.Len() >= BackgroundFlushBytes
	var flushData []byte
	if full {
		flushData = append(flushData, buf.buf.Bytes()...)
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()
	if full {
		c.flushPayload(sessionID, flushData)
	}
}

// OnSessionForegroundChanged implements session.OutputListener: forwarded
// immediately regardless of active/background class, since it is metadata
// rather than high-volume output.
func (c *Channel) OnSessionForegroundChanged(sessionID string, fg session.Foreground) {
	payload, err := json.Marshal(fg)
	if err != nil {
		return
	}
	c.enqueue(EncodeForegroundChange(sessionID, payload))
}

// OnSessionExited implements session.OutputListener: drops any pending
// background buffer for the session so a lingering timer can't emit a
// stale flush after the client has already seen the PTY Host disappear.
func (c *Channel) OnSessionExited(sessionID string, _ int) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// OnSessionScrollbackDropped implements session.OutputListener (spec.md
// §4.5 Per-session data loss): informs the client about that session only,
// without resyncing the whole connection.
func (c *Channel) OnSessionScrollbackDropped(sessionID string, droppedBytes int) {
	c.enqueue(EncodeDataLoss(sessionID, uint32(droppedBytes)))
}
