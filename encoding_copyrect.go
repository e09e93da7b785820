package rfbserver

import (
	"fmt"
	"io"
)

// CopyRectEncoding tells the client to copy a rectangular area from one part
// of its own framebuffer to another. The body is only the source coordinates;
// the session emits these rectangles ahead of any dirty-data rectangles.
type CopyRectEncoding struct {
	SrcX, SrcY uint16
}

// Type returns the encoding type identifier.
func (e *CopyRectEncoding) Type() EncodingType {
	return EncCopyRect
}

// Encode writes the source X and Y coordinates.
func (e *CopyRectEncoding) Encode(w io.Writer, _ *PixelBuffer, _ Rectangle, _ *EncodeContext) error {
	body := [4]byte{byte(e.SrcX >> 8), byte(e.SrcX), byte(e.SrcY >> 8), byte(e.SrcY)}
	if _, err := w.Write(body[:]); err != nil {
		return fmt.Errorf("copyrect: failed to write source point: %w", err)
	}
	return nil
}

// Reset does nothing as this encoding is stateless.
func (e *CopyRectEncoding) Reset() {}
