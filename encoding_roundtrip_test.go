package rfbserver

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The decoders below follow RFC 6143 sections 7.7.2 through 7.7.6 and are
// deliberately independent of the encoder implementations: each test encodes a
// pixel buffer, decodes the wire bytes from scratch and compares against the
// translated source.

func buildBuf(w, h int, f func(x, y int) uint32) *PixelBuffer {
	buf := &PixelBuffer{W: w, H: h, Pix: make([]uint32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf.Pix[y*w+x] = f(x, y)
		}
	}
	return buf
}

func translatedGrid(buf *PixelBuffer, pf *PixelFormat) []uint32 {
	out := make([]uint32, len(buf.Pix))
	for i, p := range buf.Pix {
		out[i] = TranslatePixel(p, pf)
	}
	return out
}

func readPixelVal(t *testing.T, r io.Reader, pf *PixelFormat) uint32 {
	t.Helper()
	b := make([]byte, pf.BytesPerPixel())
	_, err := io.ReadFull(r, b)
	require.NoError(t, err)
	switch pf.BPP {
	case 8:
		return uint32(b[0])
	case 16:
		if pf.BigEndian != 0 {
			return uint32(b[0])<<8 | uint32(b[1])
		}
		return uint32(b[0]) | uint32(b[1])<<8
	default:
		if pf.BigEndian != 0 {
			return binary.BigEndian.Uint32(b)
		}
		return binary.LittleEndian.Uint32(b)
	}
}

func readCPixelVal(t *testing.T, r io.Reader, pf *PixelFormat) uint32 {
	t.Helper()
	if !usesCPixel(pf) {
		return readPixelVal(t, r, pf)
	}
	var b [3]byte
	_, err := io.ReadFull(r, b[:])
	require.NoError(t, err)
	if pf.BigEndian != 0 {
		return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func decodeRaw(t *testing.T, r io.Reader, w, h int, pf *PixelFormat) []uint32 {
	t.Helper()
	out := make([]uint32, w*h)
	for i := range out {
		out[i] = readPixelVal(t, r, pf)
	}
	return out
}

func decodeRRE(t *testing.T, r io.Reader, w, h int, pf *PixelFormat, compact bool) []uint32 {
	t.Helper()
	var count uint32
	require.NoError(t, binary.Read(r, binary.BigEndian, &count))
	bg := readPixelVal(t, r, pf)
	out := make([]uint32, w*h)
	for i := range out {
		out[i] = bg
	}
	for i := uint32(0); i < count; i++ {
		c := readPixelVal(t, r, pf)
		var x, y, sw, sh int
		if compact {
			var b [4]byte
			_, err := io.ReadFull(r, b[:])
			require.NoError(t, err)
			x, y, sw, sh = int(b[0]), int(b[1]), int(b[2]), int(b[3])
		} else {
			var b [8]byte
			_, err := io.ReadFull(r, b[:])
			require.NoError(t, err)
			x = int(binary.BigEndian.Uint16(b[0:]))
			y = int(binary.BigEndian.Uint16(b[2:]))
			sw = int(binary.BigEndian.Uint16(b[4:]))
			sh = int(binary.BigEndian.Uint16(b[6:]))
		}
		for yy := y; yy < y+sh; yy++ {
			for xx := x; xx < x+sw; xx++ {
				out[yy*w+xx] = c
			}
		}
	}
	return out
}

func decodeHextile(t *testing.T, r io.Reader, w, h int, pf *PixelFormat) []uint32 {
	t.Helper()
	out := make([]uint32, w*h)
	var bg, fg uint32
	for tileY := 0; tileY < h; tileY += 16 {
		for tileX := 0; tileX < w; tileX += 16 {
			tw := minInt(16, w-tileX)
			th := minInt(16, h-tileY)

			var mask [1]byte
			_, err := io.ReadFull(r, mask[:])
			require.NoError(t, err)

			if mask[0]&hextileRaw != 0 {
				for yy := 0; yy < th; yy++ {
					for xx := 0; xx < tw; xx++ {
						out[(tileY+yy)*w+tileX+xx] = readPixelVal(t, r, pf)
					}
				}
				continue
			}
			if mask[0]&hextileBackgroundSpecified != 0 {
				bg = readPixelVal(t, r, pf)
			}
			if mask[0]&hextileForegroundSpecified != 0 {
				fg = readPixelVal(t, r, pf)
			}
			for yy := 0; yy < th; yy++ {
				for xx := 0; xx < tw; xx++ {
					out[(tileY+yy)*w+tileX+xx] = bg
				}
			}
			if mask[0]&hextileAnySubrects == 0 {
				continue
			}
			var count [1]byte
			_, err = io.ReadFull(r, count[:])
			require.NoError(t, err)
			for i := 0; i < int(count[0]); i++ {
				c := fg
				if mask[0]&hextileSubrectsColoured != 0 {
					c = readPixelVal(t, r, pf)
				}
				var pos [2]byte
				_, err = io.ReadFull(r, pos[:])
				require.NoError(t, err)
				sx, sy := int(pos[0]>>4), int(pos[0]&0xF)
				sw, sh := int(pos[1]>>4)+1, int(pos[1]&0xF)+1
				for yy := sy; yy < sy+sh; yy++ {
					for xx := sx; xx < sx+sw; xx++ {
						out[(tileY+yy)*w+tileX+xx] = c
					}
				}
			}
		}
	}
	return out
}

func readRunLength(t *testing.T, r io.Reader) int {
	t.Helper()
	total := 1
	for {
		var b [1]byte
		_, err := io.ReadFull(r, b[:])
		require.NoError(t, err)
		total += int(b[0])
		if b[0] < 255 {
			return total
		}
	}
}

func decodeZRLETiles(t *testing.T, r io.Reader, w, h int, pf *PixelFormat) []uint32 {
	t.Helper()
	out := make([]uint32, w*h)
	for tileY := 0; tileY < h; tileY += zrleTileSize {
		for tileX := 0; tileX < w; tileX += zrleTileSize {
			tw := minInt(zrleTileSize, w-tileX)
			th := minInt(zrleTileSize, h-tileY)
			tile := decodeZRLETile(t, r, tw, th, pf)
			for yy := 0; yy < th; yy++ {
				copy(out[(tileY+yy)*w+tileX:], tile[yy*tw:(yy+1)*tw])
			}
		}
	}
	return out
}

func decodeZRLETile(t *testing.T, r io.Reader, tw, th int, pf *PixelFormat) []uint32 {
	t.Helper()
	var sub [1]byte
	_, err := io.ReadFull(r, sub[:])
	require.NoError(t, err)
	vals := make([]uint32, tw*th)

	switch {
	case sub[0] == 0:
		for i := range vals {
			vals[i] = readCPixelVal(t, r, pf)
		}
	case sub[0] == 1:
		c := readCPixelVal(t, r, pf)
		for i := range vals {
			vals[i] = c
		}
	case sub[0] >= 2 && sub[0] <= 16:
		palette := make([]uint32, sub[0])
		for i := range palette {
			palette[i] = readCPixelVal(t, r, pf)
		}
		bits := paletteBits(len(palette))
		rowBytes := (tw*bits + 7) / 8
		row := make([]byte, rowBytes)
		for yy := 0; yy < th; yy++ {
			_, err := io.ReadFull(r, row)
			require.NoError(t, err)
			for xx := 0; xx < tw; xx++ {
				bit := xx * bits
				idx := row[bit/8] >> (8 - bit%8 - bits) & (1<<bits - 1)
				require.Less(t, int(idx), len(palette))
				vals[yy*tw+xx] = palette[idx]
			}
		}
	case sub[0] == 128:
		for i := 0; i < len(vals); {
			c := readCPixelVal(t, r, pf)
			runLen := readRunLength(t, r)
			require.LessOrEqual(t, i+runLen, len(vals))
			for j := 0; j < runLen; j++ {
				vals[i+j] = c
			}
			i += runLen
		}
	case sub[0] >= 130:
		palette := make([]uint32, sub[0]-128)
		for i := range palette {
			palette[i] = readCPixelVal(t, r, pf)
		}
		for i := 0; i < len(vals); {
			var b [1]byte
			_, err := io.ReadFull(r, b[:])
			require.NoError(t, err)
			idx := b[0] & 127
			require.Less(t, int(idx), len(palette))
			runLen := 1
			if b[0]&128 != 0 {
				runLen = readRunLength(t, r)
			}
			require.LessOrEqual(t, i+runLen, len(vals))
			for j := 0; j < runLen; j++ {
				vals[i+j] = palette[idx]
			}
			i += runLen
		}
	default:
		t.Fatalf("unexpected zrle subencoding %d", sub[0])
	}
	return vals
}

func readU32Framed(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var n uint32
	require.NoError(t, binary.Read(r, binary.BigEndian, &n))
	payload := make([]byte, n)
	_, err := io.ReadFull(r, payload)
	require.NoError(t, err)
	return payload
}

func inflate(t *testing.T, payload []byte, want int) []byte {
	t.Helper()
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	out := make([]byte, want)
	_, err = io.ReadFull(zr, out)
	require.NoError(t, err)
	return out
}

var rgb565LE = PixelFormat{
	BPP: 16, Depth: 16, TrueColor: 1,
	RedMax: 31, GreenMax: 63, BlueMax: 31,
	RedShift: 11, GreenShift: 5, BlueShift: 0,
}

func manyColor(x, y int) uint32 {
	return packNative(uint8(x*17), uint8(y*29), uint8(x+y))
}

func lowColor(x, y int) uint32 {
	palette := []uint32{
		packNative(0, 0, 0),
		packNative(255, 0, 0),
		packNative(0, 255, 0),
	}
	return palette[(x/5+y/3)%len(palette)]
}

func encodeCtx(pf PixelFormat) *EncodeContext {
	return &EncodeContext{PF: pf, Streams: NewStreamSet(), Compression: 6, Quality: 5}
}

func testFormats() map[string]PixelFormat {
	be32 := ServerPixelFormat
	be32.BigEndian = 1
	return map[string]PixelFormat{
		"native32": ServerPixelFormat,
		"be32":     be32,
		"rgb565":   rgb565LE,
	}
}

func testPatterns() map[string]func(x, y int) uint32 {
	return map[string]func(x, y int) uint32{
		"manycolor": manyColor,
		"lowcolor":  lowColor,
	}
}

func TestRawRoundTrip(t *testing.T) {
	for fname, pf := range testFormats() {
		for pname, pattern := range testPatterns() {
			t.Run(fname+"/"+pname, func(t *testing.T) {
				buf := buildBuf(37, 23, pattern)
				var wire bytes.Buffer
				enc := &RawEncoding{}
				require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 37, Height: 23}, encodeCtx(pf)))
				got := decodeRaw(t, &wire, 37, 23, &pf)
				assert.Equal(t, translatedGrid(buf, &pf), got)
			})
		}
	}
}

func TestRRERoundTrip(t *testing.T) {
	for fname, pf := range testFormats() {
		t.Run(fname, func(t *testing.T) {
			buf := buildBuf(40, 30, lowColor)
			var wire bytes.Buffer
			enc := &RREEncoding{}
			require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 40, Height: 30}, encodeCtx(pf)))
			got := decodeRRE(t, &wire, 40, 30, &pf, false)
			assert.Equal(t, translatedGrid(buf, &pf), got)
		})
	}
}

func TestCoRRERoundTrip(t *testing.T) {
	pf := ServerPixelFormat
	buf := buildBuf(50, 40, lowColor)
	var wire bytes.Buffer
	enc := &CoRREEncoding{}
	require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 50, Height: 40}, encodeCtx(pf)))
	got := decodeRRE(t, &wire, 50, 40, &pf, true)
	assert.Equal(t, translatedGrid(buf, &pf), got)
}

func TestCoRRERejectsOversizedRect(t *testing.T) {
	buf := buildBuf(1, 1, manyColor)
	enc := &CoRREEncoding{}
	err := enc.Encode(io.Discard, buf, Rectangle{Width: 300, Height: 10}, encodeCtx(ServerPixelFormat))
	require.Error(t, err)
}

func TestHextileRoundTrip(t *testing.T) {
	for fname, pf := range testFormats() {
		for pname, pattern := range testPatterns() {
			t.Run(fname+"/"+pname, func(t *testing.T) {
				buf := buildBuf(37, 23, pattern)
				var wire bytes.Buffer
				enc := &HextileEncoding{}
				require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 37, Height: 23}, encodeCtx(pf)))
				got := decodeHextile(t, &wire, 37, 23, &pf)
				assert.Equal(t, translatedGrid(buf, &pf), got)
			})
		}
	}
}

func TestZlibRoundTrip(t *testing.T) {
	pf := rgb565LE
	buf := buildBuf(37, 23, manyColor)
	ctx := encodeCtx(pf)
	var wire bytes.Buffer
	enc := &ZlibEncoding{}
	require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 37, Height: 23}, ctx))

	raw := inflate(t, readU32Framed(t, &wire), 37*23*pf.BytesPerPixel())
	got := decodeRaw(t, bytes.NewReader(raw), 37, 23, &pf)
	assert.Equal(t, translatedGrid(buf, &pf), got)
}

func TestZlibHexRoundTrip(t *testing.T) {
	pf := ServerPixelFormat
	buf := buildBuf(37, 23, lowColor)
	ctx := encodeCtx(pf)
	var wire bytes.Buffer
	enc := &ZlibHexEncoding{}
	require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 37, Height: 23}, ctx))

	body := encodeHextileBody(buf, &pf)
	raw := inflate(t, readU32Framed(t, &wire), len(body))
	got := decodeHextile(t, bytes.NewReader(raw), 37, 23, &pf)
	assert.Equal(t, translatedGrid(buf, &pf), got)
}

func TestZRLERoundTrip(t *testing.T) {
	for fname, pf := range testFormats() {
		for pname, pattern := range testPatterns() {
			t.Run(fname+"/"+pname, func(t *testing.T) {
				buf := buildBuf(130, 70, pattern)
				ctx := encodeCtx(pf)
				var wire bytes.Buffer
				enc := &ZRLEEncoding{}
				require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 130, Height: 70}, ctx))

				body := encodeZRLEBody(buf, &pf, nil)
				raw := inflate(t, readU32Framed(t, &wire), len(body))
				got := decodeZRLETiles(t, bytes.NewReader(raw), 130, 70, &pf)
				assert.Equal(t, translatedGrid(buf, &pf), got)
			})
		}
	}
}

// ZRLE must keep its persistent stream decodable across consecutive rects.
func TestZRLEStreamPersistsAcrossRects(t *testing.T) {
	pf := ServerPixelFormat
	ctx := encodeCtx(pf)
	enc := &ZRLEEncoding{}

	var bodies, wire bytes.Buffer
	for i := 0; i < 3; i++ {
		shift := i
		buf := buildBuf(64, 64, func(x, y int) uint32 { return manyColor(x+shift, y) })
		bodies.Write(encodeZRLEBody(buf, &pf, nil))
		var rectWire bytes.Buffer
		require.NoError(t, enc.Encode(&rectWire, buf, Rectangle{Width: 64, Height: 64}, ctx))
		wire.Write(readU32Framed(t, &rectWire))
	}
	got := inflate(t, wire.Bytes(), bodies.Len())
	assert.Equal(t, bodies.Bytes(), got)
}

// ZYWRLE is lossy, so only the framing and compression are checked: the body
// must inflate to one ZRLE tile stream worth of bytes.
func TestZYWRLEFraming(t *testing.T) {
	pf := ServerPixelFormat
	buf := buildBuf(64, 64, manyColor)
	ctx := encodeCtx(pf)
	ctx.Quality = 4
	var wire bytes.Buffer
	enc := &ZYWRLEEncoding{}
	require.NoError(t, enc.Encode(&wire, buf, Rectangle{Width: 64, Height: 64}, ctx))

	payload := readU32Framed(t, &wire)
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)

	got := decodeZRLETiles(t, zr, 64, 64, &pf)
	require.Len(t, got, 64*64)
}
