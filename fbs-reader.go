package rfbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// FbsReader replays a Frame Buffer Stream capture. Read returns the recorded
// payload bytes with the framing stripped, so the reader can be fed straight
// into anything that consumes a server-to-client RFB stream.
type FbsReader struct {
	r      io.Reader
	c      io.Closer
	chunk  []byte
	lastMS uint32
}

// NewFbsReader validates the FBS version line and returns a reader over the
// captured stream.
func NewFbsReader(r io.Reader) (*FbsReader, error) {
	version := make([]byte, len(fbsVersion))
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, fmt.Errorf("fbs: reading version: %w", err)
	}
	if string(version) != fbsVersion {
		return nil, fmt.Errorf("fbs: unrecognized version %q", version)
	}
	return &FbsReader{r: r}, nil
}

// OpenFbs opens a capture file for replay.
func OpenFbs(path string) (*FbsReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fr, err := NewFbsReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	fr.c = f
	return fr, nil
}

// Read returns payload bytes from the capture, crossing chunk boundaries as
// needed. It reports io.EOF at the clean end of the recording.
func (fr *FbsReader) Read(p []byte) (int, error) {
	for len(fr.chunk) == 0 {
		if err := fr.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, fr.chunk)
	fr.chunk = fr.chunk[n:]
	return n, nil
}

func (fr *FbsReader) nextChunk() error {
	var word [4]byte
	if _, err := io.ReadFull(fr.r, word[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("fbs: reading chunk size: %w", err)
	}
	size := binary.BigEndian.Uint32(word[:])
	padded := (size + 3) &^ 3
	buf := make([]byte, padded+4)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return fmt.Errorf("fbs: reading chunk: %w", err)
	}
	fr.chunk = buf[:size]
	fr.lastMS = binary.BigEndian.Uint32(buf[padded:])
	return nil
}

// LastTimestamp returns the capture time of the most recently read chunk,
// relative to the start of the recording.
func (fr *FbsReader) LastTimestamp() time.Duration {
	return time.Duration(fr.lastMS) * time.Millisecond
}

// Close closes the underlying file when the reader was opened from one.
func (fr *FbsReader) Close() error {
	if fr.c != nil {
		return fr.c.Close()
	}
	return nil
}
