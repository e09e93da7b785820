package rfbserver

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v2"
)

// Framebuffer is the shared pixel store. The producer mutates it under the
// write lock; sessions snapshot dirty regions under the read lock. Dirty and
// pending-copy accounting is kept per session in updateSinks so that each
// session consumes every change exactly once.
type Framebuffer struct {
	mu            sync.RWMutex
	width, height uint16
	pix           []uint32 // native R|G<<8|B<<16, row-major
	queuedCopies  []CopyRectOp
	sinks         *xsync.MapOf[uint32, *updateSink]
}

// updateSink accumulates the pending work for one session.
type updateSink struct {
	mu      sync.Mutex
	dirty   []Rectangle
	copies  []CopyRectOp
	resized bool
}

// Snapshot is the unit of work a session drains from the framebuffer: the
// scheduled copies, the dirty rectangles intersected with the requested
// viewport, and the pixel data for those rectangles captured under the read
// lock.
type Snapshot struct {
	Copies  []CopyRectOp
	Rects   []RectData
	Resized bool
}

// RectData pairs a dirty rectangle with its captured pixels.
type RectData struct {
	Rect Rectangle
	Buf  *PixelBuffer
}

// IsEmpty reports whether the snapshot carries no work.
func (s *Snapshot) IsEmpty() bool {
	return len(s.Copies) == 0 && len(s.Rects) == 0 && !s.Resized
}

// NewFramebuffer creates a zero-filled framebuffer.
func NewFramebuffer(width, height uint16) *Framebuffer {
	return &Framebuffer{
		width:  width,
		height: height,
		pix:    make([]uint32, int(width)*int(height)),
		sinks:  xsync.NewIntegerMapOf[uint32, *updateSink](),
	}
}

// Size returns the current dimensions.
func (fb *Framebuffer) Size() (uint16, uint16) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.width, fb.height
}

func (fb *Framebuffer) bounds() Rectangle {
	return Rectangle{Width: fb.width, Height: fb.height}
}

// register creates the per-session sink. Sessions created after a copy commit
// see the destination as ordinary dirty data via their first non-incremental
// update request.
func (fb *Framebuffer) register(sessionID uint32) {
	fb.sinks.Store(sessionID, &updateSink{})
}

func (fb *Framebuffer) unregister(sessionID uint32) {
	fb.sinks.Delete(sessionID)
}

// Update copies RGBA32 pixel data into the rectangle at (x, y) and marks it
// dirty for every session. Out-of-range rectangles are clipped, not rejected.
func (fb *Framebuffer) Update(data []byte, x, y, w, h uint16) {
	fb.mu.Lock()
	rect, ok := Rectangle{X: x, Y: y, Width: w, Height: h}.Intersect(fb.bounds())
	if !ok {
		fb.mu.Unlock()
		return
	}
	stride := int(w)
	for row := 0; row < int(rect.Height); row++ {
		srcRow := (int(rect.Y-y)+row)*stride + int(rect.X-x)
		dstRow := (int(rect.Y)+row)*int(fb.width) + int(rect.X)
		for col := 0; col < int(rect.Width); col++ {
			off := (srcRow + col) * 4
			fb.pix[dstRow+col] = packNative(data[off], data[off+1], data[off+2])
		}
	}
	fb.mu.Unlock()

	fb.sinks.Range(func(_ uint32, sink *updateSink) bool {
		sink.addDirty(rect)
		return true
	})
}

// Resize reallocates the buffer zero-filled. Zero dimensions are a no-op.
// Pending dirty and copy state becomes meaningless and is replaced by a
// full-screen dirty region so every session re-announces its geometry.
func (fb *Framebuffer) Resize(w, h uint16) {
	if w == 0 || h == 0 {
		return
	}
	fb.mu.Lock()
	fb.width, fb.height = w, h
	fb.pix = make([]uint32, int(w)*int(h))
	fb.queuedCopies = nil
	full := fb.bounds()
	fb.mu.Unlock()

	fb.sinks.Range(func(_ uint32, sink *updateSink) bool {
		sink.mu.Lock()
		sink.dirty = []Rectangle{full}
		sink.copies = nil
		sink.resized = true
		sink.mu.Unlock()
		return true
	})
}

// ScheduleCopy queues a copy operation. The source and destination must both
// lie inside the framebuffer; ops that do not fit are clipped to it.
func (fb *Framebuffer) ScheduleCopy(srcX, srcY, w, h, dstX, dstY int32) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	op, ok := clipCopyOp(srcX, srcY, w, h, dstX, dstY, fb.width, fb.height)
	if !ok {
		return
	}
	fb.queuedCopies = append(fb.queuedCopies, op)
}

func clipCopyOp(srcX, srcY, w, h, dstX, dstY int32, fbW, fbH uint16) (CopyRectOp, bool) {
	if w <= 0 || h <= 0 {
		return CopyRectOp{}, false
	}
	// Shift both rects by the same amount while clipping so the copy offset
	// is preserved.
	if srcX < 0 {
		w += srcX
		dstX -= srcX
		srcX = 0
	}
	if srcY < 0 {
		h += srcY
		dstY -= srcY
		srcY = 0
	}
	if dstX < 0 {
		w += dstX
		srcX -= dstX
		dstX = 0
	}
	if dstY < 0 {
		h += dstY
		srcY -= dstY
		dstY = 0
	}
	if over := srcX + w - int32(fbW); over > 0 {
		w -= over
	}
	if over := dstX + w - int32(fbW); over > 0 {
		w -= over
	}
	if over := srcY + h - int32(fbH); over > 0 {
		h -= over
	}
	if over := dstY + h - int32(fbH); over > 0 {
		h -= over
	}
	if w <= 0 || h <= 0 {
		return CopyRectOp{}, false
	}
	return CopyRectOp{
		Dst:  Rectangle{X: uint16(dstX), Y: uint16(dstY), Width: uint16(w), Height: uint16(h)},
		SrcX: uint16(srcX), SrcY: uint16(srcY),
	}, true
}

// CommitCopies blits every queued op and distributes it to the sessions
// present at commit time.
func (fb *Framebuffer) CommitCopies() {
	fb.mu.Lock()
	ops := fb.queuedCopies
	fb.queuedCopies = nil
	for _, op := range ops {
		fb.blit(op)
	}
	fb.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	fb.sinks.Range(func(_ uint32, sink *updateSink) bool {
		for _, op := range ops {
			sink.addCopy(op)
		}
		return true
	})
}

// blit moves pixels for one copy op. Rows are walked in the direction that
// keeps overlapping source and destination correct.
func (fb *Framebuffer) blit(op CopyRectOp) {
	w, h := int(op.Dst.Width), int(op.Dst.Height)
	sx, sy := int(op.SrcX), int(op.SrcY)
	dx, dy := int(op.Dst.X), int(op.Dst.Y)
	fbw := int(fb.width)
	if dy > sy || (dy == sy && dx > sx) {
		for row := h - 1; row >= 0; row-- {
			copy(fb.pix[(dy+row)*fbw+dx:(dy+row)*fbw+dx+w], fb.pix[(sy+row)*fbw+sx:(sy+row)*fbw+sx+w])
		}
	} else {
		for row := 0; row < h; row++ {
			copy(fb.pix[(dy+row)*fbw+dx:(dy+row)*fbw+dx+w], fb.pix[(sy+row)*fbw+sx:(sy+row)*fbw+sx+w])
		}
	}
}

// SnapshotFor drains the session's pending work restricted to the requested
// viewport. Dirty rectangles that do not touch the viewport stay queued for a
// later request. Pixel data for the returned rectangles is captured before
// the read lock is released.
func (fb *Framebuffer) SnapshotFor(sessionID uint32, viewport Rectangle) Snapshot {
	sink, ok := fb.sinks.Load(sessionID)
	if !ok {
		return Snapshot{}
	}

	fb.mu.RLock()
	defer fb.mu.RUnlock()
	bounds := fb.bounds()

	sink.mu.Lock()
	var snap Snapshot
	snap.Resized = sink.resized
	sink.resized = false

	var keptCopies []CopyRectOp
	for _, op := range sink.copies {
		if clipped, ok := op.Dst.Intersect(bounds); ok {
			op.Dst = clipped
			if _, hit := op.Dst.Intersect(viewport); hit {
				snap.Copies = append(snap.Copies, op)
				continue
			}
		}
		keptCopies = append(keptCopies, op)
	}
	sink.copies = keptCopies

	var keptDirty []Rectangle
	var taken []Rectangle
	for _, r := range sink.dirty {
		clipped, ok := r.Intersect(bounds)
		if !ok {
			continue
		}
		if hit, ok := clipped.Intersect(viewport); ok {
			taken = append(taken, hit)
		} else {
			keptDirty = append(keptDirty, clipped)
		}
	}
	sink.dirty = keptDirty
	sink.mu.Unlock()

	for _, r := range taken {
		snap.Rects = append(snap.Rects, RectData{Rect: r, Buf: fb.readRect(r)})
	}
	return snap
}

// readRect copies the rectangle's pixels; caller holds at least the read lock.
func (fb *Framebuffer) readRect(r Rectangle) *PixelBuffer {
	w, h := int(r.Width), int(r.Height)
	buf := &PixelBuffer{W: w, H: h, Pix: make([]uint32, w*h)}
	fbw := int(fb.width)
	for row := 0; row < h; row++ {
		src := (int(r.Y)+row)*fbw + int(r.X)
		copy(buf.Pix[row*w:(row+1)*w], fb.pix[src:src+w])
	}
	return buf
}

// requireDirty forces a region dirty for one session, used for
// non-incremental update requests.
func (fb *Framebuffer) requireDirty(sessionID uint32, r Rectangle) {
	if sink, ok := fb.sinks.Load(sessionID); ok {
		sink.addDirty(r)
	}
}

// hasWork reports whether a session has anything to send for the viewport.
func (fb *Framebuffer) hasWork(sessionID uint32, viewport Rectangle) bool {
	sink, ok := fb.sinks.Load(sessionID)
	if !ok {
		return false
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.resized {
		return true
	}
	for _, op := range sink.copies {
		if _, ok := op.Dst.Intersect(viewport); ok {
			return true
		}
	}
	for _, r := range sink.dirty {
		if _, ok := r.Intersect(viewport); ok {
			return true
		}
	}
	return false
}

func (s *updateSink) addDirty(r Rectangle) {
	if r.IsEmpty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Merge with an overlapping rectangle when that does not balloon the
	// area; otherwise keep the list flat.
	for i, existing := range s.dirty {
		if _, ok := existing.Intersect(r); ok {
			merged := existing.Union(r)
			if merged.Area() <= existing.Area()+r.Area() {
				s.dirty[i] = merged
				return
			}
		}
	}
	s.dirty = append(s.dirty, r)
}

// addCopy appends a copy op. A session tracks one copy offset at a time:
// scheduling a copy with a different offset demotes the previously pending
// copy regions to ordinary dirty regions.
func (s *updateSink) addCopy(op CopyRectOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newDX := int(op.Dst.X) - int(op.SrcX)
	newDY := int(op.Dst.Y) - int(op.SrcY)
	var kept []CopyRectOp
	for _, prev := range s.copies {
		dx := int(prev.Dst.X) - int(prev.SrcX)
		dy := int(prev.Dst.Y) - int(prev.SrcY)
		if dx == newDX && dy == newDY {
			kept = append(kept, prev)
		} else {
			s.dirty = append(s.dirty, prev.Dst)
		}
	}
	s.copies = append(kept, op)
}
