package rfbserver

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer serves on an ephemeral port and returns a connected client
// transport with the handshake not yet performed.
func startTestServer(t *testing.T, width, height uint16, cfg *ServerConfig) (*Server, net.Conn) {
	t.Helper()
	srv := New(width, height, cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return srv, conn
}

// clientHandshake runs the client side of the 3.8 handshake with the None
// security type and returns the ServerInit geometry.
func clientHandshake(t *testing.T, c net.Conn) (width, height uint16) {
	t.Helper()
	var version [12]byte
	_, err := io.ReadFull(c, version[:])
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, string(version[:]))
	_, err = c.Write(version[:])
	require.NoError(t, err)

	var count [1]byte
	_, err = io.ReadFull(c, count[:])
	require.NoError(t, err)
	types := make([]byte, count[0])
	_, err = io.ReadFull(c, types)
	require.NoError(t, err)
	require.Contains(t, types, byte(SecTypeNone))
	_, err = c.Write([]byte{byte(SecTypeNone)})
	require.NoError(t, err)

	var status uint32
	require.NoError(t, binary.Read(c, binary.BigEndian, &status))
	require.Zero(t, status)

	_, err = c.Write([]byte{1}) // shared
	require.NoError(t, err)

	var init [24]byte
	_, err = io.ReadFull(c, init[:])
	require.NoError(t, err)
	width = binary.BigEndian.Uint16(init[0:])
	height = binary.BigEndian.Uint16(init[2:])
	nameLen := binary.BigEndian.Uint32(init[20:])
	name := make([]byte, nameLen)
	_, err = io.ReadFull(c, name)
	require.NoError(t, err)
	return width, height
}

func writeSetEncodings(t *testing.T, c net.Conn, encs ...EncodingType) {
	t.Helper()
	msg := []byte{byte(ClientSetEncodings), 0}
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(encs)))
	for _, e := range encs {
		msg = binary.BigEndian.AppendUint32(msg, uint32(e))
	}
	_, err := c.Write(msg)
	require.NoError(t, err)
}

func writeUpdateRequest(t *testing.T, c net.Conn, incremental byte, x, y, w, h uint16) {
	t.Helper()
	msg := []byte{byte(ClientFramebufferUpdateRequest), incremental}
	msg = binary.BigEndian.AppendUint16(msg, x)
	msg = binary.BigEndian.AppendUint16(msg, y)
	msg = binary.BigEndian.AppendUint16(msg, w)
	msg = binary.BigEndian.AppendUint16(msg, h)
	_, err := c.Write(msg)
	require.NoError(t, err)
}

type wireRect struct {
	rect Rectangle
	enc  EncodingType
	data []byte
}

// readUpdate reads one FramebufferUpdate and returns its rectangles.
func readUpdate(t *testing.T, c net.Conn) []wireRect {
	t.Helper()
	var hdr [4]byte
	_, err := io.ReadFull(c, hdr[:])
	require.NoError(t, err)
	require.Equal(t, byte(ServerFramebufferUpdate), hdr[0])
	count := binary.BigEndian.Uint16(hdr[2:])

	rects := make([]wireRect, count)
	for i := range rects {
		var rh [12]byte
		_, err := io.ReadFull(c, rh[:])
		require.NoError(t, err)
		rects[i].rect = Rectangle{
			X:      binary.BigEndian.Uint16(rh[0:]),
			Y:      binary.BigEndian.Uint16(rh[2:]),
			Width:  binary.BigEndian.Uint16(rh[4:]),
			Height: binary.BigEndian.Uint16(rh[6:]),
		}
		rects[i].enc = EncodingType(int32(binary.BigEndian.Uint32(rh[8:])))
		w, h := int(rects[i].rect.Width), int(rects[i].rect.Height)
		switch rects[i].enc {
		case EncRaw:
			rects[i].data = make([]byte, w*h*4)
		case EncCopyRect:
			rects[i].data = make([]byte, 4)
		case EncDesktopName:
			var n uint32
			require.NoError(t, binary.Read(c, binary.BigEndian, &n))
			rects[i].data = make([]byte, n)
		default:
			t.Fatalf("unexpected encoding %v in update", rects[i].enc)
		}
		_, err = io.ReadFull(c, rects[i].data)
		require.NoError(t, err)
	}
	return rects
}

// paintRaw copies raw-encoded pixels into a client-side grid of native values.
func paintRaw(grid []uint32, gridW int, r wireRect) {
	for y := 0; y < int(r.rect.Height); y++ {
		for x := 0; x < int(r.rect.Width); x++ {
			o := (y*int(r.rect.Width) + x) * 4
			grid[(int(r.rect.Y)+y)*gridW+int(r.rect.X)+x] =
				packNative(r.data[o], r.data[o+1], r.data[o+2])
		}
	}
}

func TestSessionRawUpdateAndBroadcasts(t *testing.T) {
	srv, c := startTestServer(t, 8, 8, &ServerConfig{DesktopName: "test"})
	w, h := clientHandshake(t, c)
	require.Equal(t, uint16(8), w)
	require.Equal(t, uint16(8), h)

	writeSetEncodings(t, c, EncRaw)

	frame := rgbaFrame(8, 8, func(x, y int) (byte, byte, byte) {
		return byte(x * 30), byte(y * 30), byte(x + y)
	})
	srv.UpdateFramebuffer(frame, 0, 0, 8, 8)
	writeUpdateRequest(t, c, 0, 0, 0, 8, 8)

	grid := make([]uint32, 8*8)
	covered := make([]bool, 8*8)
	for _, r := range readUpdate(t, c) {
		require.Equal(t, EncRaw, r.enc)
		paintRaw(grid, 8, r)
		for y := 0; y < int(r.rect.Height); y++ {
			for x := 0; x < int(r.rect.Width); x++ {
				covered[(int(r.rect.Y)+y)*8+int(r.rect.X)+x] = true
			}
		}
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			require.True(t, covered[y*8+x], "pixel (%d,%d) missing", x, y)
			assert.Equal(t, packNative(byte(x*30), byte(y*30), byte(x+y)), grid[y*8+x])
		}
	}

	srv.RingBell()
	var bell [1]byte
	_, err := io.ReadFull(c, bell[:])
	require.NoError(t, err)
	assert.Equal(t, byte(ServerBell), bell[0])

	srv.SendCutText("clip")
	var cut [8]byte
	_, err = io.ReadFull(c, cut[:])
	require.NoError(t, err)
	assert.Equal(t, byte(ServerCutText), cut[0])
	require.Equal(t, uint32(4), binary.BigEndian.Uint32(cut[4:]))
	text := make([]byte, 4)
	_, err = io.ReadFull(c, text)
	require.NoError(t, err)
	assert.Equal(t, "clip", string(text))
}

func TestSessionCopyRectGolden(t *testing.T) {
	srv, c := startTestServer(t, 320, 320, &ServerConfig{DesktopName: "test"})
	clientHandshake(t, c)
	writeSetEncodings(t, c, EncCopyRect, EncRaw)

	frame := rgbaFrame(320, 320, func(x, y int) (byte, byte, byte) {
		return byte(x), byte(y), byte(x ^ y)
	})
	srv.UpdateFramebuffer(frame, 0, 0, 320, 320)
	writeUpdateRequest(t, c, 0, 0, 0, 320, 320)
	readUpdate(t, c) // drain the initial full update

	srv.ScheduleCopyRect(10, 10, 100, 50, 200, 200)
	srv.CommitCopyRects()
	writeUpdateRequest(t, c, 1, 0, 0, 320, 320)

	rects := readUpdate(t, c)
	require.Len(t, rects, 1)
	assert.Equal(t, Rectangle{X: 200, Y: 200, Width: 100, Height: 50}, rects[0].rect)
	assert.Equal(t, EncCopyRect, rects[0].enc)
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x0A}, rects[0].data)
}

// Without CopyRect in the client's list, a committed copy arrives as raw
// pixel data for the destination region.
func TestSessionCopyDemotedWithoutClientSupport(t *testing.T) {
	srv, c := startTestServer(t, 64, 64, &ServerConfig{DesktopName: "test"})
	clientHandshake(t, c)
	writeSetEncodings(t, c, EncRaw)

	frame := rgbaFrame(64, 64, func(x, y int) (byte, byte, byte) {
		return byte(x * 4), byte(y * 4), 0
	})
	srv.UpdateFramebuffer(frame, 0, 0, 64, 64)
	writeUpdateRequest(t, c, 0, 0, 0, 64, 64)
	readUpdate(t, c)

	srv.ScheduleCopyRect(0, 0, 16, 16, 32, 32)
	srv.CommitCopyRects()
	writeUpdateRequest(t, c, 1, 0, 0, 64, 64)

	grid := make([]uint32, 64*64)
	seenDst := false
	for _, r := range readUpdate(t, c) {
		require.Equal(t, EncRaw, r.enc)
		paintRaw(grid, 64, r)
		if _, ok := r.rect.Intersect(Rectangle{X: 32, Y: 32, Width: 16, Height: 16}); ok {
			seenDst = true
		}
	}
	require.True(t, seenDst)
	// Destination now shows the blitted source pixels.
	assert.Equal(t, packNative(0, 0, 0), grid[32*64+32])
	assert.Equal(t, packNative(15*4, 15*4, 0), grid[(32+15)*64+32+15])
}

func TestSessionInputEvents(t *testing.T) {
	srv, c := startTestServer(t, 8, 8, &ServerConfig{DesktopName: "test"})
	clientHandshake(t, c)

	key := []byte{byte(ClientKeyEvent), 1, 0, 0}
	key = binary.BigEndian.AppendUint32(key, 0x61)
	_, err := c.Write(key)
	require.NoError(t, err)

	ptr := []byte{byte(ClientPointerEvent), 1}
	ptr = binary.BigEndian.AppendUint16(ptr, 10)
	ptr = binary.BigEndian.AppendUint16(ptr, 20)
	_, err = c.Write(ptr)
	require.NoError(t, err)

	cut := []byte{byte(ClientCutText), 0, 0, 0}
	cut = binary.BigEndian.AppendUint32(cut, 5)
	cut = append(cut, "hello"...)
	_, err = c.Write(cut)
	require.NoError(t, err)

	var events []Event
	deadline := time.Now().Add(2 * time.Second)
	for len(events) < 3 && time.Now().Before(deadline) {
		events = append(events, srv.PollEvents()...)
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, events, 3)

	ke, ok := events[0].(KeyEvent)
	require.True(t, ok)
	assert.True(t, ke.Down)
	assert.Equal(t, Key(0x61), ke.Key)

	pe, ok := events[1].(PointerEvent)
	require.True(t, ok)
	assert.Equal(t, ButtonMask(1), pe.Mask)
	assert.Equal(t, uint16(10), pe.X)
	assert.Equal(t, uint16(20), pe.Y)

	ce, ok := events[2].(CutTextEvent)
	require.True(t, ok)
	assert.Equal(t, "hello", ce.Text)
	assert.Equal(t, ke.Session(), ce.Session())
}

func TestSessionClosesOnUnknownMessage(t *testing.T) {
	srv, c := startTestServer(t, 8, 8, &ServerConfig{DesktopName: "test"})
	clientHandshake(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, srv.SessionCount())

	_, err := c.Write([]byte{99})
	require.NoError(t, err)

	var b [1]byte
	_, err = io.ReadFull(c, b[:])
	require.Error(t, err)

	deadline = time.Now().Add(2 * time.Second)
	for srv.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, srv.SessionCount())
}

func TestSessionVNCAuthHandshake(t *testing.T) {
	_, c := startTestServer(t, 8, 8, &ServerConfig{
		DesktopName: "locked",
		Password:    "hunter2",
	})

	var version [12]byte
	_, err := io.ReadFull(c, version[:])
	require.NoError(t, err)
	_, err = c.Write(version[:])
	require.NoError(t, err)

	var count [1]byte
	_, err = io.ReadFull(c, count[:])
	require.NoError(t, err)
	types := make([]byte, count[0])
	_, err = io.ReadFull(c, types)
	require.NoError(t, err)
	require.Contains(t, types, byte(SecTypeVNCAuth))
	_, err = c.Write([]byte{byte(SecTypeVNCAuth)})
	require.NoError(t, err)

	var challenge [16]byte
	_, err = io.ReadFull(c, challenge[:])
	require.NoError(t, err)
	resp, err := vncAuthResponse([]byte("hunter2"), challenge)
	require.NoError(t, err)
	_, err = c.Write(resp[:])
	require.NoError(t, err)

	var status uint32
	require.NoError(t, binary.Read(c, binary.BigEndian, &status))
	require.Zero(t, status)

	_, err = c.Write([]byte{1})
	require.NoError(t, err)
	var init [24]byte
	_, err = io.ReadFull(c, init[:])
	require.NoError(t, err)
	nameLen := binary.BigEndian.Uint32(init[20:])
	name := make([]byte, nameLen)
	_, err = io.ReadFull(c, name)
	require.NoError(t, err)
	assert.Equal(t, "locked", string(name))
}
