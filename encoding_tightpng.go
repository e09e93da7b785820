package rfbserver

import (
	"bytes"
	"fmt"
	"image/png"
	"io"
)

// tightControlPNG marks the PNG sub-mode.
const tightControlPNG = 0xA0

// TightPngEncoding sends every rectangle as a PNG image: control byte,
// compact length, PNG bytes. PNG carries its own compression, so no deflate
// stream is involved.
type TightPngEncoding struct{}

// Type returns the encoding type identifier.
func (e *TightPngEncoding) Type() EncodingType {
	return EncTightPNG
}

// Encode writes the PNG body for the rectangle.
func (e *TightPngEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	var enc bytes.Buffer
	if err := png.Encode(&enc, nativeToRGBA(buf)); err != nil {
		return fmt.Errorf("tight-png: failed to encode png: %w", err)
	}

	out := make([]byte, 0, enc.Len()+4)
	out = append(out, tightControlPNG)
	out = appendCompactLength(out, enc.Len())
	out = append(out, enc.Bytes()...)
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("tight-png: failed to write body: %w", err)
	}
	return nil
}

// Reset does nothing as this encoding is stateless.
func (e *TightPngEncoding) Reset() {}
