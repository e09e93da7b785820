package rfbserver

import (
	"encoding/binary"
	"io"
)

// DesktopNameEncoding is the pseudo-rectangle announcing a desktop name
// change. The body is the length-prefixed UTF-8 name; the rectangle header is
// ignored by clients.
type DesktopNameEncoding struct {
	Name []byte
}

// Type returns the encoding type identifier.
func (e *DesktopNameEncoding) Type() EncodingType { return EncDesktopName }

// Encode writes the name length followed by the name bytes.
func (e *DesktopNameEncoding) Encode(w io.Writer, _ *PixelBuffer, _ Rectangle, _ *EncodeContext) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(e.Name))); err != nil {
		return err
	}
	_, err := w.Write(e.Name)
	return err
}

// Reset does nothing as this encoding is stateless.
func (e *DesktopNameEncoding) Reset() {}
