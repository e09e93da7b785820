package rfbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// --- Core Interfaces ---

// Handler is an interface for protocol handshake steps.
type Handler interface {
	Handle(c Conn) error
}

// Conn represents one side of a VNC connection during the handshake. The
// session owns the connection after the handshake completes.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	Flush() error
	PixelFormat() PixelFormat
	SetPixelFormat(PixelFormat) error
	Protocol() string
	SetProtoVersion(string)
	SecurityHandler() SecurityHandler
	SetSecurityHandler(sechandler SecurityHandler) error
	Width() uint16
	SetWidth(uint16)
	Height() uint16
	SetHeight(uint16)
	DesktopName() []byte
	SetDesktopName([]byte)
	Config() interface{}
}

// SecurityHandler defines the interface for a VNC security scheme.
type SecurityHandler interface {
	Type() SecurityType
	Authenticate(c Conn) error
}

// Encoder encodes one rectangle of framebuffer data into the client's wire
// format. Encoders that keep per-session state (zlib streams) are created per
// session and live for the life of the connection.
type Encoder interface {
	Type() EncodingType
	Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error
	Reset()
}

// EncodeContext carries the per-session state an encoder needs: the client's
// negotiated pixel format, the persistent deflate streams and the current
// quality and compression levels.
type EncodeContext struct {
	PF          PixelFormat
	Streams     *StreamSet
	Quality     int // 0..9; the server's initial level until the client sends a quality pseudo-encoding
	Compression int // 0..9
}

// PixelBuffer holds a rectangle of pixels in the server-native format:
// one uint32 per pixel, packed R | G<<8 | B<<16.
type PixelBuffer struct {
	W, H int
	Pix  []uint32
}

// At returns the native pixel at (x, y).
func (b *PixelBuffer) At(x, y int) uint32 { return b.Pix[y*b.W+x] }

// SubRow returns the row y restricted to [x0, x1).
func (b *PixelBuffer) SubRow(y, x0, x1 int) []uint32 { return b.Pix[y*b.W+x0 : y*b.W+x1] }

// --- Core Structs & Types ---

// Rectangle represents a region of the framebuffer.
type Rectangle struct {
	X, Y          uint16
	Width, Height uint16
}

// String return string representation
func (rect Rectangle) String() string {
	return fmt.Sprintf("rect x: %d, y: %d, width: %d, height: %d", rect.X, rect.Y, rect.Width, rect.Height)
}

// Area returns the total area in pixels of the Rectangle
func (rect Rectangle) Area() int { return int(rect.Width) * int(rect.Height) }

// IsEmpty reports whether the rectangle covers no pixels.
func (rect Rectangle) IsEmpty() bool { return rect.Width == 0 || rect.Height == 0 }

// Intersect returns the overlap of two rectangles and whether it is non-empty.
func (rect Rectangle) Intersect(other Rectangle) (Rectangle, bool) {
	x0 := maxU16(rect.X, other.X)
	y0 := maxU16(rect.Y, other.Y)
	x1 := minU16(rect.X+rect.Width, other.X+other.Width)
	y1 := minU16(rect.Y+rect.Height, other.Y+other.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rectangle{}, false
	}
	return Rectangle{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, true
}

// Union returns the smallest rectangle containing both.
func (rect Rectangle) Union(other Rectangle) Rectangle {
	if rect.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return rect
	}
	x0 := minU16(rect.X, other.X)
	y0 := minU16(rect.Y, other.Y)
	x1 := maxU16(rect.X+rect.Width, other.X+other.Width)
	y1 := maxU16(rect.Y+rect.Height, other.Y+other.Height)
	return Rectangle{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// writeHeader writes the rectangle header followed by the encoding type.
func (rect Rectangle) writeHeader(w io.Writer, enc EncodingType) error {
	hdr := [12]byte{
		byte(rect.X >> 8), byte(rect.X),
		byte(rect.Y >> 8), byte(rect.Y),
		byte(rect.Width >> 8), byte(rect.Width),
		byte(rect.Height >> 8), byte(rect.Height),
		byte(uint32(enc) >> 24), byte(uint32(enc) >> 16), byte(uint32(enc) >> 8), byte(uint32(enc)),
	}
	_, err := w.Write(hdr[:])
	return err
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// CopyRectOp is a scheduled framebuffer-to-framebuffer copy. Dst is the
// destination region; SrcX, SrcY is the top-left corner the content moved from.
type CopyRectOp struct {
	Dst        Rectangle
	SrcX, SrcY uint16
}

// PixelFormat describes the way a pixel is formatted for a VNC connection
type PixelFormat struct {
	BPP                             uint8   // bits-per-pixel
	Depth                           uint8   // depth
	BigEndian                       uint8   // big-endian-flag
	TrueColor                       uint8   // true-color-flag
	RedMax, GreenMax, BlueMax       uint16  // red-, green-, blue-max
	RedShift, GreenShift, BlueShift uint8   // red-, green-, blue-shift
	_                               [3]byte // padding
}

const pixelFormatLen = 16

// ServerPixelFormat is the native format the framebuffer is stored in and the
// format advertised in ServerInit: 32 bpp, depth 24, little-endian true color
// with red in the low byte.
var ServerPixelFormat = PixelFormat{
	BPP: 32, Depth: 24, BigEndian: 0, TrueColor: 1,
	RedMax: 255, GreenMax: 255, BlueMax: 255,
	RedShift: 0, GreenShift: 8, BlueShift: 16,
}

// Validate checks the structural constraints on a client-supplied format.
func (pf PixelFormat) Validate() error {
	switch pf.BPP {
	case 8, 16, 32:
	default:
		return fmt.Errorf("invalid bits-per-pixel %d; must be 8, 16, or 32", pf.BPP)
	}
	if pf.Depth > pf.BPP {
		return fmt.Errorf("invalid depth %d; cannot exceed bits-per-pixel %d", pf.Depth, pf.BPP)
	}
	if pf.TrueColor != 0 && (pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0) {
		return fmt.Errorf("invalid true-color format: zero channel max")
	}
	return nil
}

// BytesPerPixel returns the wire size of one pixel.
func (pf PixelFormat) BytesPerPixel() int { return int(pf.BPP) / 8 }

// Marshal serializes the format into its 16-byte wire representation.
func (pf PixelFormat) Marshal() ([]byte, error) {
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, pixelFormatLen)
	out := newByteSliceWriter(&buf)
	if err := binary.Write(out, binary.BigEndian, &pf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Read populates the PixelFormat from an io.Reader.
func (pf *PixelFormat) Read(r io.Reader) error {
	buf := make([]byte, pixelFormatLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return pf.Unmarshal(buf)
}

// Unmarshal parses the 16-byte wire representation.
func (pf *PixelFormat) Unmarshal(data []byte) error {
	if len(data) < pixelFormatLen {
		return fmt.Errorf("pixel format too short: %d bytes", len(data))
	}
	pf.BPP = data[0]
	pf.Depth = data[1]
	pf.BigEndian = data[2]
	pf.TrueColor = data[3]
	pf.RedMax = binary.BigEndian.Uint16(data[4:6])
	pf.GreenMax = binary.BigEndian.Uint16(data[6:8])
	pf.BlueMax = binary.BigEndian.Uint16(data[8:10])
	pf.RedShift = data[10]
	pf.GreenShift = data[11]
	pf.BlueShift = data[12]
	return nil
}

// String implements the fmt.Stringer interface
func (pf PixelFormat) String() string {
	return fmt.Sprintf("{ bpp: %d depth: %d big-endian: %d true-color: %d red-max: %d green-max: %d blue-max: %d red-shift: %d green-shift: %d blue-shift: %d }",
		pf.BPP, pf.Depth, pf.BigEndian, pf.TrueColor, pf.RedMax, pf.GreenMax, pf.BlueMax, pf.RedShift, pf.GreenShift, pf.BlueShift)
}

func (pf PixelFormat) order() binary.ByteOrder {
	if pf.BigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// byteSliceWriter lets binary.Write append to a preallocated slice without a
// bytes.Buffer allocation.
type byteSliceWriter struct{ p *[]byte }

func newByteSliceWriter(p *[]byte) *byteSliceWriter { return &byteSliceWriter{p: p} }

func (w *byteSliceWriter) Write(b []byte) (int, error) {
	*w.p = append(*w.p, b...)
	return len(b), nil
}

type ButtonMask uint8
type Key uint32

// --- Errors ---

var (
	// ErrServerClosed is returned by Listen and friends after Stop.
	ErrServerClosed = errors.New("rfbserver: server closed")
	// ErrAuthFailed is the terminal error of a failed VNC authentication.
	ErrAuthFailed = errors.New("rfbserver: authentication failed")
)

// ProtocolError indicates the peer violated the RFB protocol. The session is
// closed when one is raised.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "rfbserver: protocol error: " + e.Reason }

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// --- Enumerations and Stringers ---

type EncodingType int32

const (
	EncRaw      EncodingType = 0
	EncCopyRect EncodingType = 1
	EncRRE      EncodingType = 2
	EncCoRRE    EncodingType = 4
	EncHextile  EncodingType = 5
	EncZlib     EncodingType = 6
	EncTight    EncodingType = 7
	EncZlibHex  EncodingType = 8
	EncZRLE     EncodingType = 16
	EncZYWRLE   EncodingType = 17
	EncTightPNG EncodingType = -260

	// DesktopName is a pseudo-encoding carrying a name change rather than
	// pixel data.
	EncDesktopName EncodingType = -307

	// Pseudo-encoding ranges. Quality maps -32..-23 to levels 0..9,
	// compression maps -256..-247 to levels 0..9.
	EncQualityLevel0     EncodingType = -32
	EncQualityLevel9     EncodingType = -23
	EncCompressionLevel0 EncodingType = -256
	EncCompressionLevel9 EncodingType = -247
)

func (e EncodingType) String() string {
	switch e {
	case EncRaw:
		return "raw"
	case EncCopyRect:
		return "copyrect"
	case EncRRE:
		return "rre"
	case EncCoRRE:
		return "corre"
	case EncHextile:
		return "hextile"
	case EncZlib:
		return "zlib"
	case EncTight:
		return "tight"
	case EncZlibHex:
		return "zlibhex"
	case EncZRLE:
		return "zrle"
	case EncZYWRLE:
		return "zywrle"
	case EncTightPNG:
		return "tightpng"
	case EncDesktopName:
		return "desktopname"
	}
	return fmt.Sprintf("enc(%d)", int32(e))
}

type ClientMessageType uint8

const (
	ClientSetPixelFormat           ClientMessageType = 0
	ClientSetEncodings             ClientMessageType = 2
	ClientFramebufferUpdateRequest ClientMessageType = 3
	ClientKeyEvent                 ClientMessageType = 4
	ClientPointerEvent             ClientMessageType = 5
	ClientCutText                  ClientMessageType = 6
)

type ServerMessageType uint8

const (
	ServerFramebufferUpdate  ServerMessageType = 0
	ServerSetColorMapEntries ServerMessageType = 1
	ServerBell               ServerMessageType = 2
	ServerCutText            ServerMessageType = 3
)

type SecurityType uint8

const (
	SecTypeInvalid SecurityType = 0
	SecTypeNone    SecurityType = 1
	SecTypeVNCAuth SecurityType = 2
)

// encodingPreference lists the rectangle encodings the server can produce.
// The session consults it as a set; the encoder is picked in the client's
// order, so the order of this list does not affect selection.
var encodingPreference = []EncodingType{
	EncTight, EncTightPNG, EncZRLE, EncZYWRLE, EncZlibHex,
	EncZlib, EncHextile, EncCoRRE, EncRRE, EncRaw,
}
