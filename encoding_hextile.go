package rfbserver

import (
	"fmt"
	"io"
)

// Hextile subencoding mask bits.
const (
	hextileRaw                 = 1
	hextileBackgroundSpecified = 2
	hextileForegroundSpecified = 4
	hextileAnySubrects         = 8
	hextileSubrectsColoured    = 16
)

// HextileEncoding divides the rectangle into 16x16 tiles and encodes each
// independently as raw, solid, monochrome-with-subrects or
// colored-with-subrects. Background and foreground pixels carry over between
// tiles until a raw tile invalidates them.
type HextileEncoding struct{}

// Type returns the encoding type identifier.
func (e *HextileEncoding) Type() EncodingType {
	return EncHextile
}

// Encode writes the tile stream for the rectangle.
func (e *HextileEncoding) Encode(w io.Writer, buf *PixelBuffer, rect Rectangle, ctx *EncodeContext) error {
	if _, err := w.Write(encodeHextileBody(buf, &ctx.PF)); err != nil {
		return fmt.Errorf("hextile: failed to write tiles: %w", err)
	}
	return nil
}

// Reset does nothing as this encoding is stateless.
func (e *HextileEncoding) Reset() {}

// encodeHextileBody produces the hextile tile stream. ZlibHex reuses it as
// the pre-compression body.
func encodeHextileBody(buf *PixelBuffer, pf *PixelFormat) []byte {
	out := make([]byte, 0, buf.W*buf.H)
	bpp := pf.BytesPerPixel()

	var lastBg, lastFg uint32
	haveBg, haveFg := false, false

	for tileY := 0; tileY < buf.H; tileY += 16 {
		for tileX := 0; tileX < buf.W; tileX += 16 {
			tw := minInt(16, buf.W-tileX)
			th := minInt(16, buf.H-tileY)
			tile := extractTile(buf, tileX, tileY, tw, th)

			solid, mono, bg, fg := analyzeTileColors(tile)

			if solid {
				if !haveBg || bg != lastBg {
					out = append(out, hextileBackgroundSpecified)
					out = appendTranslated(out, bg, pf)
					lastBg, haveBg = bg, true
				} else {
					out = append(out, 0)
				}
				continue
			}

			subrects := findSubrects(tile, tw, th, bg)

			rawSize := tw * th * bpp
			bgOverhead := 0
			if !haveBg || bg != lastBg {
				bgOverhead = bpp
			}
			fgOverhead := 0
			if mono && (!haveFg || fg != lastFg) {
				fgOverhead = bpp
			}
			subrectData := len(subrects) * 2
			if !mono {
				subrectData = len(subrects) * (2 + bpp)
			}
			encodedSize := bgOverhead + fgOverhead + 1 + subrectData

			if len(subrects) == 0 || len(subrects) > 255 || encodedSize > rawSize {
				out = append(out, hextileRaw)
				for _, p := range tile {
					out = appendTranslated(out, p, pf)
				}
				haveBg, haveFg = false, false
				continue
			}

			mask := uint8(hextileAnySubrects)
			body := make([]byte, 0, encodedSize)
			if !haveBg || bg != lastBg {
				mask |= hextileBackgroundSpecified
				body = appendTranslated(body, bg, pf)
				lastBg, haveBg = bg, true
			}

			if mono {
				if !haveFg || fg != lastFg {
					mask |= hextileForegroundSpecified
					body = appendTranslated(body, fg, pf)
					lastFg, haveFg = fg, true
				}
				body = append(body, byte(len(subrects)))
				for _, sr := range subrects {
					body = append(body,
						byte(sr.x<<4|sr.y),
						byte((sr.w-1)<<4|(sr.h-1)))
				}
			} else {
				mask |= hextileSubrectsColoured
				haveFg = false
				body = append(body, byte(len(subrects)))
				for _, sr := range subrects {
					body = appendTranslated(body, sr.color, pf)
					body = append(body,
						byte(sr.x<<4|sr.y),
						byte((sr.w-1)<<4|(sr.h-1)))
				}
			}
			out = append(out, mask)
			out = append(out, body...)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
