package rfbserver

import (
	"bytes"
	"io"
)

// MockConn implements Conn over in-memory buffers for handshake and message
// tests. In is what the simulated client sends; Out captures everything the
// server writes.
type MockConn struct {
	In  bytes.Buffer
	Out bytes.Buffer

	pixelFormat     PixelFormat
	desktopName     []byte
	width, height   uint16
	protocol        string
	securityHandler SecurityHandler
	cfg             interface{}
	closed          bool
}

// NewMockConn creates a mock connection with the given config and the
// server-native pixel format.
func NewMockConn(cfg interface{}) *MockConn {
	return &MockConn{pixelFormat: ServerPixelFormat, cfg: cfg}
}

func (m *MockConn) Read(p []byte) (int, error) {
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.In.Read(p)
}

func (m *MockConn) Write(p []byte) (int, error) {
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.Out.Write(p)
}

func (m *MockConn) Flush() error { return nil }

func (m *MockConn) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockConn) Closed() bool { return m.closed }

func (m *MockConn) PixelFormat() PixelFormat                    { return m.pixelFormat }
func (m *MockConn) SetPixelFormat(pf PixelFormat) error         { m.pixelFormat = pf; return nil }
func (m *MockConn) DesktopName() []byte                         { return m.desktopName }
func (m *MockConn) SetDesktopName(b []byte)                     { m.desktopName = b }
func (m *MockConn) Width() uint16                               { return m.width }
func (m *MockConn) SetWidth(w uint16)                           { m.width = w }
func (m *MockConn) Height() uint16                              { return m.height }
func (m *MockConn) SetHeight(h uint16)                          { m.height = h }
func (m *MockConn) Protocol() string                            { return m.protocol }
func (m *MockConn) SetProtoVersion(p string)                    { m.protocol = p }
func (m *MockConn) SecurityHandler() SecurityHandler            { return m.securityHandler }
func (m *MockConn) SetSecurityHandler(sh SecurityHandler) error { m.securityHandler = sh; return nil }
func (m *MockConn) Config() interface{}                         { return m.cfg }
