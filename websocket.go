package rfbserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bigangryrobot/rfbserver/logger"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"binary"},
	// Browser viewers are served from arbitrary origins; access control is
	// the job of the RFB security types.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListenWS serves the RFB protocol over WebSocket binary frames, the
// transport used by browser viewers such as noVNC. It blocks and returns
// ErrServerClosed on graceful shutdown.
func (s *Server) ListenWS(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start websocket listener on %s: %w", addr, err)
	}
	if s.closed.Load() {
		ln.Close()
		return ErrServerClosed
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	logger.Infof("websocket listening on %s", ln.Addr())

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.handleConn(newWSConn(ws))
	})}
	err = srv.Serve(ln)
	select {
	case <-s.cfg.quit:
		return ErrServerClosed
	default:
		return err
	}
}

// wsConn adapts a websocket connection to net.Conn. Writes become one binary
// frame each; reads drain binary frames in order.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn { return &wsConn{ws: ws} }

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			t, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if t != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error                       { return w.ws.Close() }
func (w *wsConn) LocalAddr() net.Addr                { return w.ws.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr               { return w.ws.RemoteAddr() }
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.ws.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.ws.SetWriteDeadline(t) }

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return w.ws.SetWriteDeadline(t)
}
