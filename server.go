package rfbserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bigangryrobot/rfbserver/logger"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/atomic"
)

// repeaterIDLen is the fixed size of an UltraVNC Mode-2 repeater ID block.
const repeaterIDLen = 250

// defaultConnectTimeout bounds outbound reverse and repeater dials.
const defaultConnectTimeout = 30 * time.Second

// ServerConfig carries the tunables of a Server. The zero value is usable;
// New fills in the defaults.
type ServerConfig struct {
	// DesktopName is the UTF-8 name sent in ServerInit.
	DesktopName string

	// Password, when non-empty, enables VNC authentication with the classic
	// challenge-response scheme. Empty means the None security type.
	Password string

	// Quality is the initial JPEG/wavelet quality level (1..9) used until the
	// client sends a quality pseudo-encoding. Zero or out of range selects 5.
	Quality int

	// Compression is the initial deflate level (1..9) used until the client
	// sends a compression pseudo-encoding. Zero or out of range selects 6.
	Compression int

	// ConnectTimeout bounds ConnectReverse and ConnectRepeater dials.
	ConnectTimeout time.Duration

	// EventBuffer is the capacity of the input event bus.
	EventBuffer int

	// Handlers is the handshake chain run for every connection. Empty means
	// the default version/security/init chain.
	Handlers []Handler

	// SecurityHandlers lists the offered security types. Empty means derived
	// from Password.
	SecurityHandlers []SecurityHandler

	// NewRecorder, when set, is called for every accepted connection and
	// returns the destination for an FBS capture of the server-to-client
	// stream. Returning a nil writer skips recording for that connection.
	NewRecorder func(remoteAddr string) (io.WriteCloser, error)

	quit chan struct{}
}

// Server owns the shared framebuffer and the set of client sessions. The
// embedding application feeds pixels in through UpdateFramebuffer and friends
// and drains input events through PollEvents.
type Server struct {
	fb     *Framebuffer
	cfg    *ServerConfig
	events *EventBus

	sessions *xsync.MapOf[uint32, *Session]
	nextID   atomic.Uint32
	closed   atomic.Bool

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New creates a server with an empty framebuffer of the given size.
func New(width, height uint16, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	if cfg.DesktopName == "" {
		cfg.DesktopName = "rfbserver"
	}
	// A zero level means unset; clients select level 0 explicitly through the
	// pseudo-encodings.
	if cfg.Quality <= 0 || cfg.Quality > 9 {
		cfg.Quality = 5
	}
	if cfg.Compression <= 0 || cfg.Compression > 9 {
		cfg.Compression = 6
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if len(cfg.SecurityHandlers) == 0 {
		if cfg.Password != "" {
			cfg.SecurityHandlers = []SecurityHandler{&SecurityVNC{Password: []byte(cfg.Password)}}
		} else {
			cfg.SecurityHandlers = []SecurityHandler{&SecurityNone{}}
		}
	}
	if len(cfg.Handlers) == 0 {
		cfg.Handlers = []Handler{
			&DefaultServerVersionHandler{},
			&DefaultServerSecurityHandler{},
			&DefaultServerClientInitHandler{},
			&DefaultServerServerInitHandler{},
		}
	}
	cfg.quit = make(chan struct{})

	return &Server{
		fb:       NewFramebuffer(width, height),
		cfg:      cfg,
		events:   NewEventBus(cfg.EventBuffer),
		sessions: xsync.NewIntegerMapOf[uint32, *Session](),
	}
}

// Listen accepts connections on addr until Stop is called. It blocks and
// returns ErrServerClosed on graceful shutdown.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from an existing listener. It blocks and returns
// ErrServerClosed on graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.closed.Load() {
		ln.Close()
		return ErrServerClosed
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	logger.Infof("listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.cfg.quit:
				return ErrServerClosed
			default:
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// ConnectReverse dials a listening viewer at addr and runs a session over the
// resulting connection. It returns once the dial has succeeded; the session
// runs concurrently.
func (s *Server) ConnectReverse(addr string) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("reverse connection to %s: %w", addr, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(conn)
	}()
	return nil
}

// ConnectRepeater dials an UltraVNC Mode-2 repeater at addr, announces the
// given ID and runs a session. The ID block is 250 bytes, zero padded.
func (s *Server) ConnectRepeater(addr, id string) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if len(id) > repeaterIDLen {
		return fmt.Errorf("repeater ID exceeds %d bytes", repeaterIDLen)
	}
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("repeater connection to %s: %w", addr, err)
	}
	var block [repeaterIDLen]byte
	copy(block[:], id)
	if _, err := conn.Write(block[:]); err != nil {
		conn.Close()
		return fmt.Errorf("repeater ID announcement: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(conn)
	}()
	return nil
}

// handleConn runs the handshake chain and then the session for one transport.
func (s *Server) handleConn(conn net.Conn) {
	if s.cfg.NewRecorder != nil {
		dst, err := s.cfg.NewRecorder(conn.RemoteAddr().String())
		if err != nil {
			logger.Warnf("fbs capture for %s not started: %v", conn.RemoteAddr(), err)
		} else if dst != nil {
			rc, err := NewRecordingConn(conn, dst)
			if err != nil {
				logger.Warnf("fbs capture for %s not started: %v", conn.RemoteAddr(), err)
			} else {
				conn = rc
			}
		}
	}

	w, h := s.fb.Size()
	sc := NewServerConn(conn, s.cfg, w, h)
	defer sc.Close()

	logger.Infof("client connected: %s", conn.RemoteAddr())
	for _, handler := range s.cfg.Handlers {
		if err := handler.Handle(sc); err != nil {
			logger.Errorf("handshake failed for %s: %v", conn.RemoteAddr(), err)
			return
		}
	}

	id := s.nextID.Inc()
	sess := newSession(id, sc, s.fb, s.events, s.cfg, s.cfg.quit)
	s.sessions.Store(id, sess)
	defer s.sessions.Delete(id)

	if err := sess.run(); err != nil {
		logger.Errorf("session %d (%s): %v", id, conn.RemoteAddr(), err)
	}
	logger.Infof("client disconnected: %s", conn.RemoteAddr())
}

// UpdateFramebuffer applies a pixel update from the producer. The rectangle
// is clipped to the framebuffer; data is RGBA32, 4 bytes per pixel.
func (s *Server) UpdateFramebuffer(data []byte, x, y, w, h uint16) {
	s.fb.Update(data, x, y, w, h)
}

// ResizeFramebuffer changes the framebuffer dimensions. A zero dimension is
// rejected as a no-op.
func (s *Server) ResizeFramebuffer(w, h uint16) {
	s.fb.Resize(w, h)
}

// ScheduleCopyRect queues a region move for the next CommitCopyRects.
func (s *Server) ScheduleCopyRect(srcX, srcY, w, h, dstX, dstY int32) {
	s.fb.ScheduleCopy(srcX, srcY, w, h, dstX, dstY)
}

// CommitCopyRects applies all queued copies to the pixel data and distributes
// them to every registered session.
func (s *Server) CommitCopyRects() {
	s.fb.CommitCopies()
}

// SendCutText broadcasts clipboard text to all connected clients.
func (s *Server) SendCutText(text string) {
	s.sessions.Range(func(id uint32, sess *Session) bool {
		if err := sess.sendCutText(text); err != nil {
			logger.Debugf("session %d: cut text: %v", id, err)
		}
		return true
	})
}

// RingBell broadcasts the Bell message to all connected clients.
func (s *Server) RingBell() {
	s.sessions.Range(func(id uint32, sess *Session) bool {
		if err := sess.ringBell(); err != nil {
			logger.Debugf("session %d: bell: %v", id, err)
		}
		return true
	})
}

// SetDesktopName renames the desktop. New sessions see the name in ServerInit;
// established clients that advertised the DesktopName pseudo-encoding are
// notified immediately.
func (s *Server) SetDesktopName(name string) {
	s.mu.Lock()
	s.cfg.DesktopName = name
	s.mu.Unlock()
	s.sessions.Range(func(id uint32, sess *Session) bool {
		if err := sess.sendDesktopName(name); err != nil {
			logger.Debugf("session %d: desktop name: %v", id, err)
		}
		return true
	})
}

// PollEvents drains the input event bus.
func (s *Server) PollEvents() []Event {
	return s.events.Poll()
}

// EventsDropped returns the number of input events discarded because the bus
// was full.
func (s *Server) EventsDropped() uint64 {
	return s.events.Dropped()
}

// SessionCount returns the number of established sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Size()
}

// Framebuffer exposes the shared framebuffer, mainly for tests and tooling.
func (s *Server) Framebuffer() *Framebuffer { return s.fb }

// Stop shuts the server down: listeners close, every session transitions to
// closed, and Stop returns when all connection goroutines have exited.
func (s *Server) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.cfg.quit)
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()
	s.sessions.Range(func(id uint32, sess *Session) bool {
		sess.close()
		return true
	})
	s.wg.Wait()
	logger.Info("server stopped")
}

// ServerConn is the server side of one VNC transport. It buffers reads and
// writes and carries the state negotiated during the handshake. It implements
// the Conn interface consumed by the handshake handlers.
type ServerConn struct {
	c   net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	cfg *ServerConfig

	protocol        string
	pixelFormat     PixelFormat
	securityHandler SecurityHandler
	desktopName     []byte
	fbWidth         uint16
	fbHeight        uint16

	mu     sync.Mutex
	closed bool
}

// NewServerConn wraps a transport for the handshake and session.
func NewServerConn(c net.Conn, cfg *ServerConfig, width, height uint16) *ServerConn {
	return &ServerConn{
		c:           c,
		cfg:         cfg,
		br:          bufio.NewReader(c),
		bw:          bufio.NewWriter(c),
		pixelFormat: ServerPixelFormat,
		desktopName: []byte(cfg.DesktopName),
		fbWidth:     width,
		fbHeight:    height,
	}
}

// Conn returns the underlying network connection.
func (sc *ServerConn) Conn() net.Conn { return sc.c }

// Read reads buffered data from the connection.
func (sc *ServerConn) Read(buf []byte) (int, error) { return sc.br.Read(buf) }

// Write writes data to the connection's buffer.
func (sc *ServerConn) Write(buf []byte) (int, error) { return sc.bw.Write(buf) }

// Flush writes buffered data to the network.
func (sc *ServerConn) Flush() error { return sc.bw.Flush() }

// Close closes the underlying connection once.
func (sc *ServerConn) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	sc.mu.Unlock()
	return sc.c.Close()
}

// PixelFormat returns the connection's pixel format. Until the client sends
// SetPixelFormat this is the server-native format.
func (sc *ServerConn) PixelFormat() PixelFormat { return sc.pixelFormat }

// SetPixelFormat records the client's requested format.
func (sc *ServerConn) SetPixelFormat(pf PixelFormat) error {
	sc.pixelFormat = pf
	return nil
}

// Protocol returns the negotiated protocol version string.
func (sc *ServerConn) Protocol() string { return sc.protocol }

// SetProtoVersion records the negotiated protocol version.
func (sc *ServerConn) SetProtoVersion(pv string) { sc.protocol = pv }

// SecurityHandler returns the handler chosen during negotiation.
func (sc *ServerConn) SecurityHandler() SecurityHandler { return sc.securityHandler }

// SetSecurityHandler records the chosen security handler.
func (sc *ServerConn) SetSecurityHandler(sh SecurityHandler) error {
	sc.securityHandler = sh
	return nil
}

// Width returns the framebuffer width advertised in ServerInit.
func (sc *ServerConn) Width() uint16 { return sc.fbWidth }

// SetWidth is a no-op; the server defines the framebuffer size.
func (sc *ServerConn) SetWidth(width uint16) {}

// Height returns the framebuffer height advertised in ServerInit.
func (sc *ServerConn) Height() uint16 { return sc.fbHeight }

// SetHeight is a no-op; the server defines the framebuffer size.
func (sc *ServerConn) SetHeight(height uint16) {}

// DesktopName returns the name advertised in ServerInit.
func (sc *ServerConn) DesktopName() []byte { return sc.desktopName }

// SetDesktopName is a no-op; the server defines the name.
func (sc *ServerConn) SetDesktopName(name []byte) {}

// Config returns the server configuration.
func (sc *ServerConn) Config() interface{} { return sc.cfg }
