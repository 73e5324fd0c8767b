// Package transport is the server-side delivery leg: it holds one
// websocket connection per listener, queues synthesized audio into that
// listener's bounded buffer, and drains it to the wire on a dedicated
// per-connection goroutine. Grounded on the same coder/websocket usage the
// teacher's LokutorTTS adapter demonstrates for a client dial, turned
// around into an http.Handler-style accept path (net/http +
// websocket.Accept) the way a server-side websocket endpoint in this stack
// is wired; the buffered write loop is grounded in the teacher's
// ManagedStream drainAudioChunks discipline (managed_stream.go): never let
// a stalled consumer block the producer.
package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/babel-relay/pkg/audiobuffer"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

const writeChunkBytes = 32000

// listenerConn pairs one live websocket connection with its bounded
// per-listener audio buffer (spec.md §4.6). buf is guarded by mu rather
// than audiobuffer.Buffer's own (non-concurrent-safe) discipline, since
// Send (producer) and writeLoop (consumer) touch it from different
// goroutines.
type listenerConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	buf    *audiobuffer.Buffer
	notify chan struct{}
	done   chan struct{}

	// writeMu serializes every actual conn.Write call - the write loop's
	// audio frames and SendControl's text frames alike - since
	// coder/websocket forbids concurrent writers on one connection.
	writeMu sync.Mutex
}

// Transport is the process-wide table of live listener connections, keyed
// by connection ID.
type Transport struct {
	mu            sync.RWMutex
	conns         map[string]*listenerConn
	onGone        func(connectionID string)
	acceptOpts    *websocket.AcceptOptions
	bufferSeconds int
}

// New constructs an empty Transport whose per-listener buffers hold
// bufferSeconds of 16kHz/16-bit mono PCM (spec.md's audioBuffer.maxSeconds,
// default 10). onGone, if non-nil, is invoked whenever a connection is
// dropped - on a failed write or an explicit Disconnect - so the registry
// can remove that listener from its session.
func New(onGone func(connectionID string), bufferSeconds int) *Transport {
	if bufferSeconds <= 0 {
		bufferSeconds = 10
	}
	return &Transport{
		conns:         make(map[string]*listenerConn),
		onGone:        onGone,
		acceptOpts:    &websocket.AcceptOptions{InsecureSkipVerify: true},
		bufferSeconds: bufferSeconds,
	}
}

// Accept upgrades an incoming HTTP request to a websocket connection,
// registers it under connectionID, and starts its dedicated write loop.
func (t *Transport) Accept(w http.ResponseWriter, r *http.Request, connectionID string) error {
	conn, err := websocket.Accept(w, r, t.acceptOpts)
	if err != nil {
		return err
	}

	lc := &listenerConn{
		conn:   conn,
		buf:    audiobuffer.New(t.bufferSeconds),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[connectionID] = lc
	t.mu.Unlock()

	go t.writeLoop(connectionID, lc)
	return nil
}

// Send enqueues audio into connectionID's bounded ring buffer and wakes its
// write loop; it never blocks on the network itself, so one slow or stalled
// listener cannot hold up delivery to the rest of an utterance's fan-out.
// Per spec.md §4.6, once the buffer is full the oldest queued bytes are
// dropped to make room for the newest.
func (t *Transport) Send(ctx context.Context, connectionID string, audio []byte) error {
	t.mu.RLock()
	lc, ok := t.conns[connectionID]
	t.mu.RUnlock()
	if !ok {
		return relay.ErrListenerGone
	}

	lc.mu.Lock()
	lc.buf.Write(audio)
	lc.mu.Unlock()

	select {
	case lc.notify <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop drains lc's buffer to its websocket connection until the
// connection is disconnected or a write fails. Runs on its own goroutine
// per listener so Send's producer never waits on the network.
func (t *Transport) writeLoop(connectionID string, lc *listenerConn) {
	chunk := make([]byte, writeChunkBytes)
	for {
		select {
		case <-lc.done:
			return
		case <-lc.notify:
		}

		for {
			lc.mu.Lock()
			n := lc.buf.Read(chunk)
			lc.mu.Unlock()
			if n == 0 {
				break
			}
			lc.writeMu.Lock()
			err := lc.conn.Write(context.Background(), websocket.MessageBinary, chunk[:n])
			lc.writeMu.Unlock()
			if err != nil {
				t.Disconnect(connectionID)
				return
			}
		}
	}
}

// SendControl writes v as a JSON text frame directly to connectionID,
// bypassing the audio ring buffer - control-plane notifications
// (sessionEnded, broadcastPaused, volumeChanged, ...) are small and rare
// enough that immediate delivery, rather than queuing behind buffered
// audio, is the right tradeoff.
func (t *Transport) SendControl(ctx context.Context, connectionID string, v interface{}) error {
	t.mu.RLock()
	lc, ok := t.conns[connectionID]
	t.mu.RUnlock()
	if !ok {
		return relay.ErrListenerGone
	}

	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	if err := wsjson.Write(ctx, lc.conn, v); err != nil {
		return err
	}
	return nil
}

// Disconnect closes and removes connectionID, notifying onGone.
func (t *Transport) Disconnect(connectionID string) {
	t.mu.Lock()
	lc, ok := t.conns[connectionID]
	if ok {
		delete(t.conns, connectionID)
	}
	t.mu.Unlock()

	if ok {
		close(lc.done)
		lc.conn.Close(websocket.StatusNormalClosure, "")
	}
	if t.onGone != nil {
		t.onGone(connectionID)
	}
}

// Connected reports whether connectionID currently has a live connection.
func (t *Transport) Connected(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[connectionID]
	return ok
}
