package rfbserver

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// streamCount is the number of persistent deflate streams per session:
// 0 full-color (shared by Tight full-color, Zlib and ZlibHex), 1 Tight mono,
// 2 Tight indexed, 3 ZRLE/ZYWRLE.
const streamCount = 4

const (
	streamFullColor = 0
	streamMono      = 1
	streamIndexed   = 2
	streamZRLE      = 3
)

type persistentStream struct {
	w     *zlib.Writer
	buf   bytes.Buffer
	level int
}

// StreamSet holds the per-session deflate streams. Streams are created lazily
// at the level requested for their first rectangle; a later level change
// recreates the stream, which also resets its dictionary.
type StreamSet struct {
	streams [streamCount]*persistentStream
}

func NewStreamSet() *StreamSet { return &StreamSet{} }

// Compress runs data through stream id at the given level and returns the
// bytes produced up to and including the sync-flush boundary, so a rectangle
// payload is always decodable on its own by a decompressor that has seen the
// whole stream so far.
func (s *StreamSet) Compress(id int, level int, data []byte) ([]byte, error) {
	if level < 0 {
		level = zlib.DefaultCompression
	} else if level > 9 {
		level = 9
	}
	st := s.streams[id]
	if st != nil && st.level != level {
		st.w.Close()
		st = nil
	}
	if st == nil {
		st = &persistentStream{level: level}
		w, err := zlib.NewWriterLevel(&st.buf, level)
		if err != nil {
			return nil, fmt.Errorf("deflate stream %d: %w", id, err)
		}
		st.w = w
		s.streams[id] = st
	}
	st.buf.Reset()
	if _, err := st.w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate stream %d: %w", id, err)
	}
	if err := st.w.Flush(); err != nil {
		return nil, fmt.Errorf("deflate stream %d: %w", id, err)
	}
	out := make([]byte, st.buf.Len())
	copy(out, st.buf.Bytes())
	return out, nil
}

// Reset discards all streams; the next rectangle on each starts a fresh
// deflate context.
func (s *StreamSet) Reset() {
	for i, st := range s.streams {
		if st != nil {
			st.w.Close()
			s.streams[i] = nil
		}
	}
}
