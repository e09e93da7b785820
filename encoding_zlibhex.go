package rfbserver

import (
	"fmt"
	"io"
)

// ZlibHexEncoding runs the hextile tile stream through the session's
// persistent stream 0 and frames the compressed body with a u32 length.
type ZlibHexEncoding struct{}

// Type returns the encoding type identifier.
func (e *ZlibHexEncoding) Type() EncodingType {
	return EncZlibHex
}

// Encode compresses the hextile body for the rectangle.
func (e *ZlibHexEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	payload, err := ctx.Streams.Compress(streamFullColor, ctx.Compression, encodeHextileBody(buf, &ctx.PF))
	if err != nil {
		return fmt.Errorf("zlibhex: %w", err)
	}
	return writeU32Framed(w, "zlibhex", payload)
}

// Reset does nothing; the deflate stream belongs to the session.
func (e *ZlibHexEncoding) Reset() {}
