package rfbserver

import (
	"fmt"
	"io"
)

const zrleTileSize = 64

// ZRLEEncoding divides the rectangle into 64x64 tiles, compresses each with a
// per-tile subencoding (raw, solid, packed palette, plain RLE or palette RLE)
// and runs the concatenated tile stream through the session's persistent
// stream 3. The body is framed with a u32 length.
type ZRLEEncoding struct{}

// Type returns the encoding type identifier.
func (e *ZRLEEncoding) Type() EncodingType {
	return EncZRLE
}

// Encode writes the framed, compressed tile stream.
func (e *ZRLEEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	body := encodeZRLEBody(buf, &ctx.PF, nil)
	payload, err := ctx.Streams.Compress(streamZRLE, ctx.Compression, body)
	if err != nil {
		return fmt.Errorf("zrle: %w", err)
	}
	return writeU32Framed(w, "zrle", payload)
}

// Reset does nothing; the deflate stream belongs to the session.
func (e *ZRLEEncoding) Reset() {}

// encodeZRLEBody builds the uncompressed tile stream. transform, when
// non-nil, mutates each tile's native pixels before translation; ZYWRLE uses
// it for the wavelet pass.
func encodeZRLEBody(buf *PixelBuffer, pf *PixelFormat, transform func(pix []uint32, w, h int)) []byte {
	out := make([]byte, 0, buf.W*buf.H)
	for y := 0; y < buf.H; y += zrleTileSize {
		for x := 0; x < buf.W; x += zrleTileSize {
			tw := minInt(zrleTileSize, buf.W-x)
			th := minInt(zrleTileSize, buf.H-y)
			tile := extractTile(buf, x, y, tw, th)
			if transform != nil {
				transform(tile, tw, th)
			}
			// Translate up front so analysis sees the values the client will
			// receive; formats with fewer bits can merge colors and make a
			// tile cheaper to encode.
			vals := make([]uint32, len(tile))
			for i, p := range tile {
				vals[i] = TranslatePixel(p, pf)
			}
			out = encodeZRLETile(out, vals, tw, th, pf)
		}
	}
	return out
}

// analyzeRuns counts RLE runs and single pixels in scanline order.
func analyzeRuns(vals []uint32) (runs, singles int) {
	for i := 0; i < len(vals); {
		runLen := 1
		for i+runLen < len(vals) && vals[i+runLen] == vals[i] {
			runLen++
		}
		if runLen == 1 {
			singles++
		} else {
			runs++
		}
		i += runLen
	}
	return runs, singles
}

// encodeZRLETile appends one tile with the cheapest subencoding under the
// cost model of RFC 6143 section 7.7.6.
func encodeZRLETile(out []byte, vals []uint32, tw, th int, pf *PixelFormat) []byte {
	if v, solid := checkSolid(vals); solid {
		out = append(out, 1)
		return appendCPixel(out, v, pf)
	}

	cpix := cpixelSize(pf)
	runs, singles := analyzeRuns(vals)
	palette, small := buildPalette(vals, 127)

	useRLE, usePalette := false, false
	estimated := tw * th * cpix

	if plainRLE := (cpix + 1) * (runs + singles); plainRLE < estimated {
		useRLE = true
		estimated = plainRLE
	}

	if small {
		if paletteRLE := cpix*len(palette) + 2*runs + singles; paletteRLE < estimated {
			useRLE, usePalette = true, true
			estimated = paletteRLE
		}
		if len(palette) <= 16 {
			bits := paletteBits(len(palette))
			packed := cpix*len(palette) + (tw*bits+7)/8*th
			if packed < estimated {
				useRLE, usePalette = false, true
			}
		}
	}

	switch {
	case usePalette && useRLE:
		return appendPaletteRLETile(out, vals, palette, pf)
	case usePalette:
		return appendPackedPaletteTile(out, vals, tw, palette, pf)
	case useRLE:
		return appendPlainRLETile(out, vals, pf)
	default:
		out = append(out, 0)
		for _, v := range vals {
			out = appendCPixel(out, v, pf)
		}
		return out
	}
}

func paletteBits(size int) int {
	switch {
	case size <= 2:
		return 1
	case size <= 4:
		return 2
	default:
		return 4
	}
}

func paletteIndex(palette []uint32, v uint32) uint8 {
	for i, c := range palette {
		if c == v {
			return uint8(i)
		}
	}
	return 0
}

// appendRunLength appends the run-length form of RFC 6143: bytes of 255
// followed by a final byte 0..254; the decoded length is the sum plus one.
func appendRunLength(out []byte, runLen int) []byte {
	remaining := runLen - 1
	for remaining >= 255 {
		out = append(out, 255)
		remaining -= 255
	}
	return append(out, byte(remaining))
}

func appendPlainRLETile(out []byte, vals []uint32, pf *PixelFormat) []byte {
	out = append(out, 128)
	for i := 0; i < len(vals); {
		runLen := 1
		for i+runLen < len(vals) && vals[i+runLen] == vals[i] {
			runLen++
		}
		out = appendCPixel(out, vals[i], pf)
		out = appendRunLength(out, runLen)
		i += runLen
	}
	return out
}

func appendPaletteRLETile(out []byte, vals []uint32, palette []uint32, pf *PixelFormat) []byte {
	out = append(out, 128|byte(len(palette)))
	for _, c := range palette {
		out = appendCPixel(out, c, pf)
	}
	for i := 0; i < len(vals); {
		runLen := 1
		for i+runLen < len(vals) && vals[i+runLen] == vals[i] {
			runLen++
		}
		idx := paletteIndex(palette, vals[i])
		if runLen == 1 {
			out = append(out, idx)
		} else {
			out = append(out, idx|128)
			out = appendRunLength(out, runLen)
		}
		i += runLen
	}
	return out
}

// appendPackedPaletteTile packs indices MSB first, each row padded to a byte
// boundary as RFC 6143 requires.
func appendPackedPaletteTile(out []byte, vals []uint32, tw int, palette []uint32, pf *PixelFormat) []byte {
	out = append(out, byte(len(palette)))
	for _, c := range palette {
		out = appendCPixel(out, c, pf)
	}
	bits := paletteBits(len(palette))
	for row := 0; row < len(vals); row += tw {
		var packed uint8
		bitPos := 0
		for _, v := range vals[row : row+tw] {
			idx := paletteIndex(palette, v)
			packed |= idx << (8 - bitPos - bits)
			bitPos += bits
			if bitPos >= 8 {
				out = append(out, packed)
				packed, bitPos = 0, 0
			}
		}
		if bitPos > 0 {
			out = append(out, packed)
		}
	}
	return out
}
