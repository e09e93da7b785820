package rfbserver

import (
	"fmt"
	"io"
)

// ZlibEncoding sends deflate-compressed raw pixel data through the session's
// persistent stream 0. Each rectangle body is a u32 length followed by the
// bytes produced up to the sync-flush boundary.
type ZlibEncoding struct{}

// Type returns the encoding type identifier.
func (e *ZlibEncoding) Type() EncodingType {
	return EncZlib
}

// Encode compresses the translated pixels and writes the framed body.
func (e *ZlibEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	payload, err := ctx.Streams.Compress(streamFullColor, ctx.Compression, TranslateRect(buf, &ctx.PF))
	if err != nil {
		return fmt.Errorf("zlib: %w", err)
	}
	return writeU32Framed(w, "zlib", payload)
}

// Reset does nothing; the deflate stream belongs to the session and survives
// encoder changes.
func (e *ZlibEncoding) Reset() {}

func writeU32Framed(w io.Writer, name string, payload []byte) error {
	n := uint32(len(payload))
	hdr := [4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%s: failed to write length: %w", name, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%s: failed to write payload: %w", name, err)
	}
	return nil
}
