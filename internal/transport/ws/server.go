// Package ws serves the browser capture endpoint.
//
// A client opens /v1/stream and sends a configure text message naming its
// sample rate, channel count and encoding. The server creates a session and
// answers with the session's ready event. From then on binary messages carry
// audio frames and text messages carry control messages (init, start, stop,
// reset). Every acknowledgement, telemetry and prediction event comes back as
// a JSON text message.
//
// The connection owns its session: closing the socket closes the session.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/session"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

// Path is the streaming endpoint.
const Path = "/v1/stream"

const (
	// defaultReadLimit bounds a single message: one second of 48 kHz stereo
	// float32 audio.
	defaultReadLimit = 48000 * 2 * 4

	// defaultSendBuffer is the number of events queued per connection before
	// new ones are dropped.
	defaultSendBuffer = 256

	// configureTimeout bounds the wait for the first message.
	configureTimeout = 10 * time.Second

	// writeTimeout bounds a single event write.
	writeTimeout = 5 * time.Second

	// closeTimeout bounds session teardown after the socket ends.
	closeTimeout = 5 * time.Second
)

// Option configures a [Server].
type Option func(*Server)

// WithOriginPatterns allows cross-origin upgrades from matching hosts.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit sets the maximum size of one incoming message in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithSendBuffer sets how many outgoing events are queued per connection.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// Server upgrades requests on [Path] and bridges them to sessions.
type Server struct {
	mgr        *session.Manager
	origins    []string
	readLimit  int64
	sendBuffer int
}

// NewServer creates a Server creating sessions through mgr.
func NewServer(mgr *session.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:        mgr,
		readLimit:  defaultReadLimit,
		sendBuffer: defaultSendBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the streaming endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, s)
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("ws: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)

	// The upgrade request context ends when the handler returns; the
	// connection lifetime is governed by the socket itself.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	code, reason := s.serve(ctx, conn)
	_ = conn.Close(code, reason)
}

// serve runs one connection and returns the close status to send.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) (websocket.StatusCode, string) {
	log := observe.Logger(ctx)

	cfg, err := readConfigure(ctx, conn)
	if err != nil {
		writeEvent(ctx, conn, protocol.Error(err))
		return websocket.StatusPolicyViolation, "expected configure"
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	dec, err := newFrameDecoder(cfg.Encoding, format)
	if err != nil {
		writeEvent(ctx, conn, protocol.Error(err))
		return websocket.StatusUnsupportedData, "unsupported format"
	}

	out := newSender(conn, s.sendBuffer)
	go out.run(ctx)
	defer out.stop()

	sess, err := s.mgr.Create(ctx, format, out)
	if err != nil {
		writeEvent(ctx, conn, protocol.Error(err))
		return websocket.StatusInternalError, "session create failed"
	}
	log = log.With("session_id", sess.ID())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := s.mgr.Close(closeCtx, sess.ID()); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			log.Warn("ws: close session", "err", err)
		}
	}()

	proc, release, err := sess.AttachProducer()
	if err != nil {
		return websocket.StatusInternalError, "attach failed"
	}
	defer release()

	log.Info("ws: stream opened", "format", format.String(), "encoding", string(cfg.Encoding))
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info("ws: stream closed by client")
			} else if ctx.Err() == nil {
				log.Debug("ws: read ended", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := dec.decode(msg)
			if err != nil {
				out.Send(withSession(protocol.Error(err), sess.ID()))
				continue
			}
			proc.ProcessInterleaved(samples, time.Now())
		case websocket.MessageText:
			c, err := protocol.DecodeControl(msg)
			if err != nil {
				out.Send(withSession(protocol.Error(err), sess.ID()))
				continue
			}
			if c.Type == protocol.TypeConfigure {
				out.Send(withSession(protocol.Error(errors.New("ws: format is fixed once configured")), sess.ID()))
				continue
			}
			// Control reports its own failures as error events.
			_ = sess.Control(ctx, c)
		}
	}
}

// readConfigure waits for the opening configure message.
func readConfigure(ctx context.Context, conn *websocket.Conn) (protocol.Control, error) {
	ctx, cancel := context.WithTimeout(ctx, configureTimeout)
	defer cancel()

	typ, msg, err := conn.Read(ctx)
	if err != nil {
		return protocol.Control{}, fmt.Errorf("ws: read configure: %w", err)
	}
	if typ != websocket.MessageText {
		return protocol.Control{}, errors.New("ws: first message must be a configure text message")
	}
	c, err := protocol.DecodeControl(msg)
	if err != nil {
		return protocol.Control{}, err
	}
	if c.Type != protocol.TypeConfigure {
		return protocol.Control{}, fmt.Errorf("ws: first message must be configure, got %q", c.Type)
	}
	return c, nil
}

func withSession(e protocol.Event, id string) protocol.Event {
	e.SessionID = id
	return e
}

// writeEvent writes e directly. Only used before the sender starts.
func writeEvent(ctx context.Context, conn *websocket.Conn, e protocol.Event) {
	data, err := protocol.Encode(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// sender is the session sink for one connection. Send never blocks: events
// that do not fit the queue are dropped and logged once per burst.
type sender struct {
	conn    *websocket.Conn
	queue   chan protocol.Event
	done    chan struct{}
	stopped chan struct{}
}

var _ session.Sink = (*sender)(nil)

func newSender(conn *websocket.Conn, n int) *sender {
	return &sender{
		conn:    conn,
		queue:   make(chan protocol.Event, n),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Send implements [session.Sink].
func (s *sender) Send(e protocol.Event) {
	select {
	case <-s.done:
	case s.queue <- e:
	default:
		slog.Debug("ws: event dropped, client too slow", "type", string(e.Type))
	}
}

func (s *sender) run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.flush(ctx)
			return
		case e := <-s.queue:
			if !s.write(ctx, e) {
				return
			}
		}
	}
}

// flush writes what is still queued, so the stopped ack of a closing
// session reaches the client.
func (s *sender) flush(ctx context.Context) {
	for {
		select {
		case e := <-s.queue:
			if !s.write(ctx, e) {
				return
			}
		default:
			return
		}
	}
}

func (s *sender) write(ctx context.Context, e protocol.Event) bool {
	data, err := protocol.Encode(e)
	if err != nil {
		slog.Warn("ws: encode event", "type", string(e.Type), "err", err)
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// stop ends the writer after flushing and waits for it.
func (s *sender) stop() {
	close(s.done)
	<-s.stopped
}
