package rfbserver

import (
	"fmt"
	"io"
)

// RREEncoding implements Rise-and-Run-length Encoding: a background fill plus
// a list of solid sub-rectangles with 16-bit coordinates. Efficient for large
// flat areas.
type RREEncoding struct{}

// Type returns the encoding type identifier.
func (e *RREEncoding) Type() EncodingType {
	return EncRRE
}

// Encode writes the subrect count, the background pixel and one record per
// sub-rectangle.
func (e *RREEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	bg := backgroundColor(buf.Pix)
	subrects := findSubrects(buf.Pix, buf.W, buf.H, bg)

	out := make([]byte, 0, 4+ctx.PF.BytesPerPixel()*(1+len(subrects))+8*len(subrects))
	n := uint32(len(subrects))
	out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	out = appendTranslated(out, bg, &ctx.PF)
	for _, sr := range subrects {
		out = appendTranslated(out, sr.color, &ctx.PF)
		out = append(out,
			byte(sr.x>>8), byte(sr.x),
			byte(sr.y>>8), byte(sr.y),
			byte(sr.w>>8), byte(sr.w),
			byte(sr.h>>8), byte(sr.h))
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("rre: failed to write body: %w", err)
	}
	return nil
}

// Reset does nothing as this encoding is stateless.
func (e *RREEncoding) Reset() {}
