package rfbserver

import (
	"fmt"
	"io"
)

// RawEncoding is the simplest and most inefficient encoding. It sends the
// translated pixel data uncompressed in row-major order.
type RawEncoding struct{}

// Type returns the encoding type identifier.
func (e *RawEncoding) Type() EncodingType {
	return EncRaw
}

// Encode writes the rectangle as translated pixels.
func (e *RawEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	if _, err := w.Write(TranslateRect(buf, &ctx.PF)); err != nil {
		return fmt.Errorf("raw: failed to write pixel data: %w", err)
	}
	return nil
}

// Reset does nothing as this encoding is stateless.
func (e *RawEncoding) Reset() {}
