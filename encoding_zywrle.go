package rfbserver

import (
	"fmt"
	"io"
)

// ZYWRLEEncoding is ZRLE preceded by a lossy wavelet pass. Each tile is
// converted to YUV with the reversible color transform, run through a
// piecewise-linear Haar wavelet, quantized with the level's lookup tables and
// repacked so that smooth regions collapse into long runs for the ZRLE
// subencodings. The wavelet level follows the client's quality setting.
type ZYWRLEEncoding struct{}

// Type returns the encoding type identifier.
func (e *ZYWRLEEncoding) Type() EncodingType {
	return EncZYWRLE
}

// Encode writes the framed, compressed tile stream.
func (e *ZYWRLEEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	level := zywrleLevel(ctx.Quality)
	body := encodeZRLEBody(buf, &ctx.PF, func(pix []uint32, tw, th int) {
		zywrleTransform(pix, tw, th, level)
	})
	payload, err := ctx.Streams.Compress(streamZRLE, ctx.Compression, body)
	if err != nil {
		return fmt.Errorf("zywrle: %w", err)
	}
	return writeU32Framed(w, "zywrle", payload)
}

// Reset does nothing; the deflate stream belongs to the session.
func (e *ZYWRLEEncoding) Reset() {}

// zywrleLevel maps the client quality setting to a wavelet depth. Lower
// quality runs more levels and quantizes harder.
func zywrleLevel(quality int) int {
	switch {
	case quality < 3:
		return 3
	case quality < 6:
		return 2
	default:
		return 1
	}
}

// convRun is a run of identical entries in a quantization table.
type convRun struct {
	n int
	v int8
}

func expandConv(runs []convRun) (t [256]int8) {
	i := 0
	for _, r := range runs {
		for j := 0; j < r.n; j++ {
			t[i] = r.v
			i++
		}
	}
	return t
}

// zywrleConv holds the non-linear quantization tables, indexed by a signed
// coefficient byte. Table 0 zeroes every coefficient; tables 1 to 3 keep 5,
// 4 and 2 output bits respectively. The tables are symmetric around zero.
var zywrleConv = [4][256]int8{
	1: expandConv([]convRun{
		{23, 0}, {17, 32}, {11, 48}, {9, 56}, {8, 64}, {8, 72}, {6, 80},
		{12, 88}, {5, 96}, {10, 104}, {9, 112}, {10, 120}, {1, 0},
		{10, -120}, {9, -112}, {10, -104}, {5, -96}, {12, -88}, {6, -80},
		{8, -72}, {8, -64}, {9, -56}, {11, -48}, {17, -32}, {22, 0},
	}),
	2: expandConv([]convRun{
		{32, 0}, {24, 48}, {16, 64}, {13, 80}, {11, 88}, {11, 104},
		{9, 112}, {12, 120}, {1, 0}, {12, -120}, {9, -112}, {11, -104},
		{11, -88}, {13, -80}, {16, -64}, {24, -48}, {31, 0},
	}),
	3: expandConv([]convRun{
		{65, 0}, {63, 88}, {1, 0}, {63, -88}, {64, 0},
	}),
}

// zywrleParam selects, per wavelet depth and sublevel, the quantization table
// for each of the U, Y and V channels.
var zywrleParam = [3][3][3]int{
	{{0, 2, 0}, {0, 0, 0}, {0, 0, 0}},
	{{0, 3, 0}, {1, 1, 1}, {0, 0, 0}},
	{{0, 3, 0}, {2, 2, 2}, {1, 1, 1}},
}

// zywrleTransform converts the tile to quantized wavelet coefficients in
// place. Pixels outside the level-aligned region are left untouched; they
// reach the client losslessly through the normal ZRLE path.
func zywrleTransform(pix []uint32, w, h, level int) {
	mask := ^((1 << level) - 1)
	aw, ah := w&mask, h&mask
	if aw == 0 || ah == 0 {
		return
	}

	coeff := make([]uint32, aw*ah)
	for y := 0; y < ah; y++ {
		for x := 0; x < aw; x++ {
			coeff[y*aw+x] = rgbToYUV(pix[y*w+x])
		}
	}

	wavelet(coeff, aw, ah, level)

	for l := 0; l < level; l++ {
		packCoeff(coeff, pix, w, 3, aw, ah, l)
		packCoeff(coeff, pix, w, 2, aw, ah, l)
		packCoeff(coeff, pix, w, 1, aw, ah, l)
		if l == level-1 {
			packCoeff(coeff, pix, w, 0, aw, ah, l)
		}
	}
}

// rgbToYUV applies the reversible color transform of JPEG-2000 and stores the
// result as U, Y, V in the low three bytes. Components are centered around
// zero and nudged off -128 so the Haar transform cannot overflow.
func rgbToYUV(p uint32) uint32 {
	r := int32(nativeR(p))
	g := int32(nativeG(p))
	b := int32(nativeB(p))

	y := (r + (g << 1) + b) >> 2
	u := b - g
	v := r - g

	y -= 128
	u >>= 1
	v >>= 1

	if y == -128 {
		y++
	}
	if u == -128 {
		u++
	}
	if v == -128 {
		v++
	}

	return uint32(uint8(u)) | uint32(uint8(y))<<8 | uint32(uint8(v))<<16
}

// harr is the piecewise-linear Haar transform on two signed coefficient
// bytes. It returns the low component first; the branch structure keeps the
// result within 8 bits without a widening step.
func harr(x0, x1 int8) (int8, int8) {
	a, b := int32(x0), int32(x1)
	av, bv := a, b

	if (av^bv)&0x80 != 0 {
		bv += av
		if (bv^b)&0x80 == 0 {
			av -= bv
		}
	} else {
		av -= bv
		if (av^a)&0x80 == 0 {
			bv += av
		}
	}
	return int8(bv), int8(av)
}

// harrPair runs harr over the three channel bytes of a coefficient pair.
func harrPair(a, b uint32) (uint32, uint32) {
	for sh := uint(0); sh <= 16; sh += 8 {
		lo, hi := harr(int8(a>>sh), int8(b>>sh))
		m := uint32(0xFF) << sh
		a = a&^m | uint32(uint8(lo))<<sh
		b = b&^m | uint32(uint8(hi))<<sh
	}
	return a, b
}

// waveletLevel transforms one interleaved line. skip is 1 for rows and the
// tile width for columns; interleave decomposition keeps low and high
// components in their source positions, so no line buffer is needed.
func waveletLevel(buf []uint32, size, level, skip int) {
	s := (2 << level) * skip
	ofs := (1 << level) * skip
	n := size >> (level + 1)

	for i, p := 0, 0; i < n; i, p = i+1, p+s {
		if p+ofs < len(buf) {
			buf[p], buf[p+ofs] = harrPair(buf[p], buf[p+ofs])
		}
	}
}

// wavelet runs the requested number of levels, transforming rows then
// columns and quantizing the high-frequency subbands after each level.
func wavelet(coeff []uint32, w, h, level int) {
	for l := 0; l < level; l++ {
		rowStride := w << l
		for row := 0; row < h>>l; row++ {
			waveletLevel(coeff[row*rowStride:], w, l, 1)
		}
		for col := 0; col < w>>l; col++ {
			waveletLevel(coeff[col*(1<<l):], h, l, w)
		}
		filterWaveletSquare(coeff, w, h, level, l)
	}
}

// filterWaveletSquare quantizes subbands 1 to 3 at sublevel l; subband 0
// holds the low-frequency coefficients and passes through unchanged.
func filterWaveletSquare(coeff []uint32, w, h, level, l int) {
	param := &zywrleParam[level-1][l]
	s := 2 << l

	for r := 1; r < 4; r++ {
		start := 0
		if r&1 != 0 {
			start += s >> 1
		}
		if r&2 != 0 {
			start += (s >> 1) * w
		}
		for y := 0; y < h/s; y++ {
			for x := 0; x < w/s; x++ {
				idx := start + y*s*w + x*s
				c := coeff[idx]
				u := uint32(uint8(zywrleConv[param[0]][uint8(c)]))
				yy := uint32(uint8(zywrleConv[param[1]][uint8(c>>8)]))
				v := uint32(uint8(zywrleConv[param[2]][uint8(c>>16)]))
				coeff[idx] = u | yy<<8 | v<<16
			}
		}
	}
}

// packCoeff writes one subband back into the tile pixels in V, Y, U channel
// order so that the coefficient magnitudes survive client-side translation.
func packCoeff(coeff []uint32, pix []uint32, stride, r, w, h, level int) {
	s := 2 << level
	start := 0
	if r&1 != 0 {
		start += s >> 1
	}
	if r&2 != 0 {
		start += (s >> 1) * w
	}

	for y := 0; y < h/s; y++ {
		for x := 0; x < w/s; x++ {
			idx := start + y*s*w + x*s
			c := coeff[idx]
			pix[(idx/w)*stride+idx%w] = packNative(uint8(c>>16), uint8(c>>8), uint8(c))
		}
	}
}
