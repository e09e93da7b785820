package rfbserver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bigangryrobot/rfbserver/logger"
	"golang.org/x/sync/errgroup"
)

const (
	// deferUpdatePeriod is the update-loop tick. Work discovered on a tick is
	// sent at most one tick after it arrived, so rapid producer writes
	// coalesce into a single FramebufferUpdate.
	deferUpdatePeriod = 5 * time.Millisecond

	// minUpdatePeriod caps the update rate per session.
	minUpdatePeriod = 33 * time.Millisecond

	// maxRectsPerUpdate bounds one FramebufferUpdate message; excess work is
	// re-queued for the client's next request.
	maxRectsPerUpdate = 50

	// maxCutTextLen bounds a ClientCutText payload. Anything larger is a
	// protocol violation, not a legitimate clipboard.
	maxCutTextLen = 10 << 20
)

// Tight rectangles may not exceed 2048 pixels in width and the area is kept
// small enough that the palette scan stays cheap. CoRRE tiles use correMaxTile.
const (
	tightMaxRectWidth = 2048
	tightMaxRectArea  = 65536
)

// Session drives one client connection after the handshake: it decodes the
// client's messages, schedules FramebufferUpdates against the shared
// framebuffer and forwards input events to the bus. A session owns its
// transport, its deflate streams and its encoder instances exclusively.
type Session struct {
	id     uint32
	c      *ServerConn
	fb     *Framebuffer
	cfg    *ServerConfig
	events *EventBus

	// mu guards the negotiated state below; the update loop snapshots it
	// before encoding so a SetPixelFormat never lands mid-rectangle.
	mu           sync.Mutex
	ctx          EncodeContext
	encodings    []EncodingType
	viewport     Rectangle
	pending      bool
	lastUpdate   time.Time
	colorMapSent bool

	// wmu serializes writes to the transport between the update loop and the
	// server-initiated broadcasts (Bell, ServerCutText).
	wmu sync.Mutex

	encoders map[EncodingType]Encoder

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newSession(id uint32, c *ServerConn, fb *Framebuffer, events *EventBus, cfg *ServerConfig, quit chan struct{}) *Session {
	return &Session{
		id:     id,
		c:      c,
		fb:     fb,
		cfg:    cfg,
		events: events,
		ctx: EncodeContext{
			PF:          c.PixelFormat(),
			Streams:     NewStreamSet(),
			Quality:     cfg.Quality,
			Compression: cfg.Compression,
		},
		encoders: make(map[EncodingType]Encoder),
		quit:     quit,
		done:     make(chan struct{}),
	}
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint32 { return s.id }

// run executes the message loop and the update loop until either fails or the
// server shuts down. It returns when the connection is fully torn down.
func (s *Session) run() error {
	s.fb.register(s.id)
	defer s.close()

	var g errgroup.Group
	g.Go(s.readLoop)
	g.Go(s.updateLoop)
	err := g.Wait()

	if err == nil || errors.Is(err, ErrServerClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		logger.Warnf("session %d: %v", s.id, err)
		return nil
	}
	return err
}

// close tears the session down; safe to call from any goroutine.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.fb.unregister(s.id)
		s.c.Close()
	})
}

// readLoop decodes client messages one at a time. Any malformed message or
// unknown message type closes the session.
func (s *Session) readLoop() error {
	defer s.close()
	for {
		var t [1]byte
		if _, err := io.ReadFull(s.c, t[:]); err != nil {
			return err
		}
		var err error
		switch ClientMessageType(t[0]) {
		case ClientSetPixelFormat:
			err = s.handleSetPixelFormat()
		case ClientSetEncodings:
			err = s.handleSetEncodings()
		case ClientFramebufferUpdateRequest:
			err = s.handleUpdateRequest()
		case ClientKeyEvent:
			err = s.handleKeyEvent()
		case ClientPointerEvent:
			err = s.handlePointerEvent()
		case ClientCutText:
			err = s.handleCutText()
		default:
			err = protocolErrorf("unknown client message type %d", t[0])
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleSetPixelFormat() error {
	var msg [3 + pixelFormatLen]byte
	if _, err := io.ReadFull(s.c, msg[:]); err != nil {
		return err
	}
	var pf PixelFormat
	if err := pf.Unmarshal(msg[3:]); err != nil {
		return protocolErrorf("bad pixel format: %v", err)
	}
	if err := pf.Validate(); err != nil {
		return protocolErrorf("bad pixel format: %v", err)
	}
	logger.Debugf("session %d: pixel format %v", s.id, pf)

	s.mu.Lock()
	s.ctx.PF = pf
	s.colorMapSent = false
	s.mu.Unlock()
	return nil
}

func (s *Session) handleSetEncodings() error {
	var hdr [3]byte
	if _, err := io.ReadFull(s.c, hdr[:]); err != nil {
		return err
	}
	count := int(binary.BigEndian.Uint16(hdr[1:]))
	body := make([]byte, count*4)
	if _, err := io.ReadFull(s.c, body); err != nil {
		return err
	}

	var encs []EncodingType
	quality, compression := -1, -1
	for i := 0; i < count; i++ {
		e := EncodingType(int32(binary.BigEndian.Uint32(body[i*4:])))
		switch {
		case e >= EncQualityLevel0 && e <= EncQualityLevel9:
			quality = int(e - EncQualityLevel0)
		case e >= EncCompressionLevel0 && e <= EncCompressionLevel9:
			compression = int(e - EncCompressionLevel0)
		case supportedEncoding(e) || clientPseudoEncoding(e):
			encs = append(encs, e)
		default:
			// Unknown encodings are ignored.
		}
	}
	logger.Debugf("session %d: encodings %v quality %d compression %d", s.id, encs, quality, compression)

	s.mu.Lock()
	s.encodings = encs
	if quality >= 0 {
		s.ctx.Quality = quality
	}
	if compression >= 0 {
		s.ctx.Compression = compression
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) handleUpdateRequest() error {
	var msg [9]byte
	if _, err := io.ReadFull(s.c, msg[:]); err != nil {
		return err
	}
	incremental := msg[0]
	r := Rectangle{
		X:      binary.BigEndian.Uint16(msg[1:]),
		Y:      binary.BigEndian.Uint16(msg[3:]),
		Width:  binary.BigEndian.Uint16(msg[5:]),
		Height: binary.BigEndian.Uint16(msg[7:]),
	}

	s.mu.Lock()
	s.viewport = r
	s.pending = true
	s.mu.Unlock()

	if incremental == 0 {
		s.fb.requireDirty(s.id, r)
	}
	return nil
}

func (s *Session) handleKeyEvent() error {
	var msg [7]byte
	if _, err := io.ReadFull(s.c, msg[:]); err != nil {
		return err
	}
	s.events.Publish(KeyEvent{
		SessionID: s.id,
		Down:      msg[0] != 0,
		Key:       Key(binary.BigEndian.Uint32(msg[3:])),
	})
	return nil
}

func (s *Session) handlePointerEvent() error {
	var msg [5]byte
	if _, err := io.ReadFull(s.c, msg[:]); err != nil {
		return err
	}
	s.events.Publish(PointerEvent{
		SessionID: s.id,
		Mask:      ButtonMask(msg[0]),
		X:         binary.BigEndian.Uint16(msg[1:]),
		Y:         binary.BigEndian.Uint16(msg[3:]),
	})
	return nil
}

func (s *Session) handleCutText() error {
	var hdr [7]byte
	if _, err := io.ReadFull(s.c, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[3:])
	if n > maxCutTextLen {
		return protocolErrorf("cut text of %d bytes exceeds limit", n)
	}
	text := make([]byte, n)
	if _, err := io.ReadFull(s.c, text); err != nil {
		return err
	}
	s.events.Publish(CutTextEvent{SessionID: s.id, Text: string(text)})
	return nil
}

// updateLoop sends FramebufferUpdates while the session has an outstanding
// request and the framebuffer has work for its viewport.
func (s *Session) updateLoop() error {
	ticker := time.NewTicker(deferUpdatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			s.close()
			return ErrServerClosed
		case <-s.done:
			return nil
		case <-ticker.C:
		}
		if err := s.sendPendingUpdate(); err != nil {
			s.close()
			return err
		}
	}
}

// pendingRect is one rectangle of an update in emit order.
type pendingRect struct {
	rect Rectangle
	op   *CopyRectOp
	buf  *PixelBuffer
}

func (s *Session) sendPendingUpdate() error {
	s.mu.Lock()
	if !s.pending || time.Since(s.lastUpdate) < minUpdatePeriod || !s.fb.hasWork(s.id, s.viewport) {
		s.mu.Unlock()
		return nil
	}
	viewport := s.viewport
	ectx := s.ctx
	encs := s.encodings
	needColorMap := ectx.PF.TrueColor == 0 && !s.colorMapSent
	s.mu.Unlock()

	snap := s.fb.SnapshotFor(s.id, viewport)
	if snap.IsEmpty() {
		return nil
	}

	encType, enc := s.pickEncoder(encs)
	supportsCopy := containsEncoding(encs, EncCopyRect)

	var rects []pendingRect
	for i := range snap.Copies {
		op := snap.Copies[i]
		if !supportsCopy {
			// The client never asked for CopyRect; the destination pixels go
			// out as ordinary dirty data instead.
			s.fb.requireDirty(s.id, op.Dst)
			continue
		}
		rects = append(rects, pendingRect{rect: op.Dst, op: &snap.Copies[i]})
	}
	for _, rd := range snap.Rects {
		for _, piece := range splitForEncoding(encType, rd) {
			rects = append(rects, pendingRect{rect: piece.Rect, buf: piece.Buf})
		}
	}
	if len(rects) == 0 {
		return nil
	}
	if len(rects) > maxRectsPerUpdate {
		for _, pr := range rects[maxRectsPerUpdate:] {
			s.fb.requireDirty(s.id, pr.rect)
		}
		rects = rects[:maxRectsPerUpdate]
	}

	var body bytes.Buffer
	body.Write([]byte{byte(ServerFramebufferUpdate), 0, byte(len(rects) >> 8), byte(len(rects))})
	for _, pr := range rects {
		if pr.op != nil {
			if err := pr.rect.writeHeader(&body, EncCopyRect); err != nil {
				return err
			}
			cr := CopyRectEncoding{SrcX: pr.op.SrcX, SrcY: pr.op.SrcY}
			if err := cr.Encode(&body, nil, pr.rect, &ectx); err != nil {
				return err
			}
			continue
		}
		if err := pr.rect.writeHeader(&body, encType); err != nil {
			return err
		}
		if err := enc.Encode(&body, pr.buf, pr.rect, &ectx); err != nil {
			return fmt.Errorf("session %d: encode %v: %w", s.id, encType, err)
		}
	}

	s.wmu.Lock()
	if needColorMap {
		if err := s.writeColorMap(); err != nil {
			s.wmu.Unlock()
			return err
		}
	}
	if _, err := s.c.Write(body.Bytes()); err != nil {
		s.wmu.Unlock()
		return err
	}
	err := s.c.Flush()
	s.wmu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = false
	s.lastUpdate = time.Now()
	if needColorMap {
		s.colorMapSent = true
	}
	s.mu.Unlock()
	return nil
}

// writeColorMap announces the fixed BGR233 palette used for color-mapped
// clients. Pixel values produced by the translator are indices into it.
func (s *Session) writeColorMap() error {
	msg := make([]byte, 0, 6+256*6)
	msg = append(msg, byte(ServerSetColorMapEntries), 0, 0, 0, 1, 0) // first color 0, 256 entries
	for i := 0; i < 256; i++ {
		r := uint16(i&7) * 65535 / 7
		g := uint16(i>>3&7) * 65535 / 7
		b := uint16(i>>6&3) * 65535 / 3
		msg = append(msg, byte(r>>8), byte(r), byte(g>>8), byte(g), byte(b>>8), byte(b))
	}
	_, err := s.c.Write(msg)
	return err
}

// pickEncoder selects the rectangle encoder: the first encoding the client
// listed that the server can produce, falling back to Raw when the client
// never sent SetEncodings.
func (s *Session) pickEncoder(encs []EncodingType) (EncodingType, Encoder) {
	for _, e := range encs {
		if e == EncCopyRect {
			continue
		}
		if enc := s.encoderFor(e); enc != nil {
			return e, enc
		}
	}
	return EncRaw, s.encoderFor(EncRaw)
}

func (s *Session) encoderFor(t EncodingType) Encoder {
	if enc, ok := s.encoders[t]; ok {
		return enc
	}
	var enc Encoder
	switch t {
	case EncRaw:
		enc = &RawEncoding{}
	case EncRRE:
		enc = &RREEncoding{}
	case EncCoRRE:
		enc = &CoRREEncoding{}
	case EncHextile:
		enc = &HextileEncoding{}
	case EncZlib:
		enc = &ZlibEncoding{}
	case EncZlibHex:
		enc = &ZlibHexEncoding{}
	case EncZRLE:
		enc = &ZRLEEncoding{}
	case EncZYWRLE:
		enc = &ZYWRLEEncoding{}
	case EncTight:
		enc = &TightEncoding{}
	case EncTightPNG:
		enc = &TightPngEncoding{}
	default:
		return nil
	}
	s.encoders[t] = enc
	return enc
}

func supportedEncoding(t EncodingType) bool {
	if t == EncCopyRect {
		return true
	}
	for _, e := range encodingPreference {
		if e == t {
			return true
		}
	}
	return false
}

// clientPseudoEncoding reports whether t is a pseudo-encoding the server
// emits once the client advertises it.
func clientPseudoEncoding(t EncodingType) bool {
	return t == EncDesktopName
}

func containsEncoding(encs []EncodingType, t EncodingType) bool {
	for _, e := range encs {
		if e == t {
			return true
		}
	}
	return false
}

// splitForEncoding divides a rectangle into pieces the chosen encoding can
// represent. CoRRE subrectangles use single-byte coordinates; Tight caps the
// rectangle width at 2048 and keeps areas small enough for its palette scan.
func splitForEncoding(t EncodingType, rd RectData) []RectData {
	var maxW, maxH int
	switch t {
	case EncCoRRE:
		maxW, maxH = correMaxTile, correMaxTile
	case EncTight, EncTightPNG:
		maxW = tightMaxRectWidth
		if int(rd.Rect.Width) < maxW {
			maxW = int(rd.Rect.Width)
		}
		maxH = tightMaxRectArea / maxW
		if maxH < 1 {
			maxH = 1
		}
	default:
		return []RectData{rd}
	}
	if int(rd.Rect.Width) <= maxW && int(rd.Rect.Height) <= maxH {
		return []RectData{rd}
	}

	var out []RectData
	for y := 0; y < rd.Buf.H; y += maxH {
		for x := 0; x < rd.Buf.W; x += maxW {
			w := minInt(maxW, rd.Buf.W-x)
			h := minInt(maxH, rd.Buf.H-y)
			piece := &PixelBuffer{W: w, H: h, Pix: make([]uint32, w*h)}
			for row := 0; row < h; row++ {
				src := (y+row)*rd.Buf.W + x
				copy(piece.Pix[row*w:(row+1)*w], rd.Buf.Pix[src:src+w])
			}
			out = append(out, RectData{
				Rect: Rectangle{
					X:      rd.Rect.X + uint16(x),
					Y:      rd.Rect.Y + uint16(y),
					Width:  uint16(w),
					Height: uint16(h),
				},
				Buf: piece,
			})
		}
	}
	return out
}

// sendCutText pushes clipboard text to this client.
func (s *Session) sendCutText(text string) error {
	msg := make([]byte, 0, 8+len(text))
	msg = append(msg, byte(ServerCutText), 0, 0, 0)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(text)))
	msg = append(msg, text...)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.c.Write(msg); err != nil {
		return err
	}
	return s.c.Flush()
}

// ringBell sends the Bell message.
func (s *Session) ringBell() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.c.Write([]byte{byte(ServerBell)}); err != nil {
		return err
	}
	return s.c.Flush()
}

// supports reports whether the client advertised the encoding.
func (s *Session) supports(t EncodingType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsEncoding(s.encodings, t)
}

// sendPseudoRect emits a one-rectangle FramebufferUpdate carrying a
// pseudo-encoding body.
func (s *Session) sendPseudoRect(rect Rectangle, enc Encoder) error {
	s.mu.Lock()
	ectx := s.ctx
	s.mu.Unlock()

	var body bytes.Buffer
	body.Write([]byte{byte(ServerFramebufferUpdate), 0, 0, 1})
	if err := rect.writeHeader(&body, enc.Type()); err != nil {
		return err
	}
	if err := enc.Encode(&body, nil, rect, &ectx); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.c.Write(body.Bytes()); err != nil {
		return err
	}
	return s.c.Flush()
}

// sendDesktopName announces a desktop name change.
func (s *Session) sendDesktopName(name string) error {
	if !s.supports(EncDesktopName) {
		return nil
	}
	return s.sendPseudoRect(Rectangle{}, &DesktopNameEncoding{Name: []byte(name)})
}
