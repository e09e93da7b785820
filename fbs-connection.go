package rfbserver

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/bigangryrobot/rfbserver/logger"
)

// fbsVersion is the magic line opening a Frame Buffer Stream capture.
const fbsVersion = "FBS 001.000\n"

// FbsWriter frames captured data in the FBS 1.0 layout: a byte count, the
// data padded to a four-byte boundary, and the capture time in milliseconds
// relative to the start of the recording.
type FbsWriter struct {
	w     io.Writer
	start time.Time
}

// NewFbsWriter writes the FBS version line and returns a framing writer.
func NewFbsWriter(w io.Writer) (*FbsWriter, error) {
	if _, err := io.WriteString(w, fbsVersion); err != nil {
		return nil, err
	}
	return &FbsWriter{w: w, start: time.Now()}, nil
}

// WriteChunk records one captured chunk. Empty chunks are dropped.
func (fw *FbsWriter) WriteChunk(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(len(b)))
	if _, err := fw.w.Write(word[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(b); err != nil {
		return err
	}
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		var zero [3]byte
		if _, err := fw.w.Write(zero[:pad]); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(word[:], uint32(time.Since(fw.start).Milliseconds()))
	_, err := fw.w.Write(word[:])
	return err
}

// RecordingConn wraps a client transport and tees every byte the server sends
// into an FBS capture. The recorded stream starts at the protocol version, so
// a capture replays against any FBS player.
type RecordingConn struct {
	net.Conn
	fbs  *FbsWriter
	dst  io.Closer
	werr error
}

// NewRecordingConn starts a capture of the server-to-client stream on dst.
func NewRecordingConn(conn net.Conn, dst io.WriteCloser) (*RecordingConn, error) {
	fbs, err := NewFbsWriter(dst)
	if err != nil {
		dst.Close()
		return nil, err
	}
	return &RecordingConn{Conn: conn, fbs: fbs, dst: dst}, nil
}

// Write sends to the client and records whatever actually went out. A capture
// failure stops the recording but never the session.
func (rc *RecordingConn) Write(b []byte) (int, error) {
	n, err := rc.Conn.Write(b)
	if n > 0 && rc.werr == nil {
		if werr := rc.fbs.WriteChunk(b[:n]); werr != nil {
			rc.werr = werr
			logger.Warnf("fbs capture stopped: %v", werr)
		}
	}
	return n, err
}

// Close closes the capture destination and then the transport.
func (rc *RecordingConn) Close() error {
	rc.dst.Close()
	return rc.Conn.Close()
}
