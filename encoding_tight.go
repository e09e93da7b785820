package rfbserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

// Tight control bytes and the palette filter id.
const (
	tightControlFill    = 0x80
	tightControlJPEG    = 0x90
	tightExplicitFilter = 0x40
	tightFilterPalette  = 0x01
)

// tightMinToCompress is the payload size below which deflate is skipped and
// the bytes follow the compact length uncompressed.
const tightMinToCompress = 12

// tightMaxPaletteSize caps the distinct-color scan; anything beyond it is
// treated as full color.
const tightMaxPaletteSize = 16

// tightConf tunes the per-mode deflate levels and the minimum rectangle area
// worth encoding as a mono bitmap.
type tightConf struct {
	monoMinRectSize int
	idxZlibLevel    int
	monoZlibLevel   int
	rawZlibLevel    int
}

var tightConfs = [4]tightConf{
	{monoMinRectSize: 6, idxZlibLevel: 0, monoZlibLevel: 0, rawZlibLevel: 0},
	{monoMinRectSize: 32, idxZlibLevel: 1, monoZlibLevel: 1, rawZlibLevel: 1},
	{monoMinRectSize: 32, idxZlibLevel: 3, monoZlibLevel: 3, rawZlibLevel: 2},
	{monoMinRectSize: 32, idxZlibLevel: 7, monoZlibLevel: 7, rawZlibLevel: 5},
}

func tightConfFor(compression int) *tightConf {
	switch {
	case compression <= 0:
		return &tightConfs[0]
	case compression == 1:
		return &tightConfs[1]
	case compression == 9:
		return &tightConfs[3]
	default:
		return &tightConfs[2]
	}
}

// tightJPEGQuality maps the session quality level to a libjpeg-style quality.
var tightJPEGQuality = [10]int{15, 29, 41, 42, 62, 77, 79, 86, 92, 100}

// TightEncoding selects one of five wire modes from a single distinct-color
// scan of the rectangle: solid fill, two-color bitmap, indexed palette,
// deflate-compressed full color or JPEG. The palette modes share the
// session's persistent streams 1 and 2, full color uses stream 0.
type TightEncoding struct{}

// Type returns the encoding type identifier.
func (e *TightEncoding) Type() EncodingType {
	return EncTight
}

// Encode analyzes the rectangle and writes the chosen mode.
func (e *TightEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	vals := make([]uint32, len(buf.Pix))
	for i, p := range buf.Pix {
		vals[i] = TranslatePixel(p, &ctx.PF)
	}

	counts, small := countColors(vals, tightMaxPaletteSize)
	conf := tightConfFor(ctx.Compression)

	var (
		out []byte
		err error
	)
	switch {
	case small && len(counts) == 1:
		out = append(out, tightControlFill)
		out = appendCPixel(out, counts[0].color, &ctx.PF)
	case small && len(counts) == 2 && len(vals) >= conf.monoMinRectSize:
		out, err = appendMonoRect(out, vals, buf.W, buf.H, counts[0].color, counts[1].color, conf, ctx)
	case small && len(counts) > 2:
		out, err = appendIndexedRect(out, vals, buf, counts, conf, ctx)
	case tightJPEGEligible(ctx, buf):
		out, err = appendJPEGRect(out, buf, ctx.Quality)
	default:
		out, err = appendFullColorRect(out, buf, conf, ctx)
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("tight: failed to write body: %w", err)
	}
	return nil
}

// Reset does nothing; the deflate streams belong to the session.
func (e *TightEncoding) Reset() {}

// appendTightData frames a mode body: compact length, then either the raw
// bytes (small payloads) or the stream's deflate output.
func appendTightData(out []byte, data []byte, stream, level int, ctx *EncodeContext) ([]byte, error) {
	if len(data) < tightMinToCompress {
		out = appendCompactLength(out, len(data))
		return append(out, data...), nil
	}
	payload, err := ctx.Streams.Compress(stream, level, data)
	if err != nil {
		return nil, err
	}
	out = appendCompactLength(out, len(payload))
	return append(out, payload...), nil
}

// appendMonoRect writes the two-color mode: a 1-bit bitmap with set bits for
// the foreground, rows padded to byte boundaries. The first color seen is
// the background.
func appendMonoRect(out []byte, vals []uint32, w, h int, bg, fg uint32, conf *tightConf, ctx *EncodeContext) ([]byte, error) {
	out = append(out, streamMono<<4|tightExplicitFilter)
	out = append(out, tightFilterPalette, 1)
	out = appendCPixel(out, bg, &ctx.PF)
	out = appendCPixel(out, fg, &ctx.PF)

	bitmap := make([]byte, 0, (w+7)/8*h)
	for y := 0; y < h; y++ {
		var b uint8
		bit := 7
		for x := 0; x < w; x++ {
			if vals[y*w+x] != bg {
				b |= 1 << bit
			}
			if bit == 0 {
				bitmap = append(bitmap, b)
				b, bit = 0, 7
			} else {
				bit--
			}
		}
		if bit != 7 {
			bitmap = append(bitmap, b)
		}
	}

	out, err := appendTightData(out, bitmap, streamMono, conf.monoZlibLevel, ctx)
	if err != nil {
		return nil, fmt.Errorf("tight mono: %w", err)
	}
	return out, nil
}

// appendIndexedRect writes the palette mode with 2-bit indices for up to
// four colors and 4-bit indices beyond that, rows padded to byte boundaries.
// When the palette form is not estimated to beat full color, the full-color
// path takes over.
func appendIndexedRect(out []byte, vals []uint32, buf *PixelBuffer, counts []colorCount, conf *tightConf, ctx *EncodeContext) ([]byte, error) {
	palette := make([]uint32, len(counts))
	for i, c := range counts {
		palette[i] = c.color
	}

	bits := 4
	if len(palette) <= 4 {
		bits = 2
	}
	packedSize := (buf.W*bits + 7) / 8 * buf.H
	indexedSize := 2 + len(palette)*cpixelSize(&ctx.PF) + packedSize
	rawSize := buf.W * buf.H * cpixelSize(&ctx.PF)
	if indexedSize >= rawSize {
		return appendFullColorRect(out, buf, conf, ctx)
	}

	out = append(out, streamIndexed<<4|tightExplicitFilter)
	out = append(out, tightFilterPalette, byte(len(palette)-1))
	for _, c := range palette {
		out = appendCPixel(out, c, &ctx.PF)
	}

	packed := make([]byte, 0, packedSize)
	for y := 0; y < buf.H; y++ {
		var b uint8
		pos := 0
		for x := 0; x < buf.W; x++ {
			idx := paletteIndex(palette, vals[y*buf.W+x])
			b |= idx << (8 - pos - bits)
			pos += bits
			if pos >= 8 {
				packed = append(packed, b)
				b, pos = 0, 0
			}
		}
		if pos > 0 {
			packed = append(packed, b)
		}
	}

	out, err := appendTightData(out, packed, streamIndexed, conf.idxZlibLevel, ctx)
	if err != nil {
		return nil, fmt.Errorf("tight indexed: %w", err)
	}
	return out, nil
}

// appendFullColorRect writes the lossless mode through stream 0.
func appendFullColorRect(out []byte, buf *PixelBuffer, conf *tightConf, ctx *EncodeContext) ([]byte, error) {
	var data []byte
	if usesCPixel(&ctx.PF) {
		data = make([]byte, 0, len(buf.Pix)*3)
		for _, p := range buf.Pix {
			data = appendCPixel(data, TranslatePixel(p, &ctx.PF), &ctx.PF)
		}
	} else {
		data = TranslateRect(buf, &ctx.PF)
	}

	out = append(out, streamFullColor<<4)
	out, err := appendTightData(out, data, streamFullColor, conf.rawZlibLevel, ctx)
	if err != nil {
		return nil, fmt.Errorf("tight full-color: %w", err)
	}
	return out, nil
}

// tightJPEGEligible reports whether the rectangle goes out as JPEG: a lossy
// quality level, a 32-bit true-color client and a rectangle big enough to
// amortize the JPEG headers.
func tightJPEGEligible(ctx *EncodeContext, buf *PixelBuffer) bool {
	if ctx.Quality < 1 || ctx.Quality > 9 {
		return false
	}
	if ctx.PF.BPP != 32 || ctx.PF.TrueColor == 0 {
		return false
	}
	return buf.W*buf.H >= 16
}

// appendJPEGRect writes the lossy mode from the native pixels.
func appendJPEGRect(out []byte, buf *PixelBuffer, quality int) ([]byte, error) {
	img := nativeToRGBA(buf)
	var enc bytes.Buffer
	if err := jpeg.Encode(&enc, img, &jpeg.Options{Quality: tightJPEGQuality[quality]}); err != nil {
		return nil, fmt.Errorf("tight jpeg: %w", err)
	}
	out = append(out, tightControlJPEG)
	out = appendCompactLength(out, enc.Len())
	return append(out, enc.Bytes()...), nil
}

// nativeToRGBA converts a rectangle's native pixels for the image encoders.
func nativeToRGBA(buf *PixelBuffer) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, buf.W, buf.H))
	for y := 0; y < buf.H; y++ {
		for x := 0; x < buf.W; x++ {
			p := buf.Pix[y*buf.W+x]
			o := y*img.Stride + x*4
			img.Pix[o] = nativeR(p)
			img.Pix[o+1] = nativeG(p)
			img.Pix[o+2] = nativeB(p)
			img.Pix[o+3] = 0xFF
		}
	}
	return img
}
