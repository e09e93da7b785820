package rfbserver

import "sort"

// Analysis helpers shared by the rectangle and tile based encodings. They all
// operate on native pixels before translation.

// subrect is a solid-color region found inside a rectangle, with coordinates
// relative to the rectangle's origin.
type subrect struct {
	color uint32
	x, y  uint16
	w, h  uint16
}

// colorCount pairs a color with its frequency and first-seen position so the
// analysis output is deterministic.
type colorCount struct {
	color uint32
	count int
	first int
}

func countColors(pixels []uint32, limit int) ([]colorCount, bool) {
	index := make(map[uint32]int, limit+1)
	counts := make([]colorCount, 0, limit+1)
	for i, p := range pixels {
		if at, ok := index[p]; ok {
			counts[at].count++
			continue
		}
		if limit > 0 && len(counts) == limit {
			return nil, false
		}
		index[p] = len(counts)
		counts = append(counts, colorCount{color: p, count: 1, first: i})
	}
	return counts, true
}

func sortByFrequency(counts []colorCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].first < counts[j].first
	})
}

// backgroundColor returns the most frequent color.
func backgroundColor(pixels []uint32) uint32 {
	if len(pixels) == 0 {
		return 0
	}
	counts, _ := countColors(pixels, 0)
	sortByFrequency(counts)
	return counts[0].color
}

// checkSolid reports whether every pixel shares one color.
func checkSolid(pixels []uint32) (uint32, bool) {
	if len(pixels) == 0 {
		return 0, false
	}
	first := pixels[0]
	for _, p := range pixels[1:] {
		if p != first {
			return 0, false
		}
	}
	return first, true
}

// analyzeTileColors classifies a tile as solid, two-color or multicolor.
// For two-color tiles the more frequent color is the background.
func analyzeTileColors(pixels []uint32) (solid, mono bool, bg, fg uint32) {
	if len(pixels) == 0 {
		return true, true, 0, 0
	}
	counts, _ := countColors(pixels, 0)
	if len(counts) == 1 {
		return true, true, pixels[0], 0
	}
	sortByFrequency(counts)
	if len(counts) == 2 {
		return false, true, counts[0].color, counts[1].color
	}
	return false, false, counts[0].color, 0
}

// buildPalette returns the distinct colors ordered by decreasing frequency,
// or false when there are more than limit of them.
func buildPalette(pixels []uint32, limit int) ([]uint32, bool) {
	counts, ok := countColors(pixels, limit)
	if !ok {
		return nil, false
	}
	sortByFrequency(counts)
	palette := make([]uint32, len(counts))
	for i, c := range counts {
		palette[i] = c.color
	}
	return palette, true
}

// findSubrects greedily covers the non-background pixels with solid
// rectangles. For each uncovered pixel it grows a horizontal-first and a
// vertical-first rectangle and keeps the larger of the two.
func findSubrects(pixels []uint32, width, height int, bg uint32) []subrect {
	var subrects []subrect
	marked := make([]bool, len(pixels))

	free := func(idx int, color uint32) bool {
		return !marked[idx] && pixels[idx] == color
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if marked[idx] || pixels[idx] == bg {
				continue
			}
			color := pixels[idx]

			// Horizontal-first: widest run on this row, then extend down.
			maxW := 0
			for tx := x; tx < width && free(y*width+tx, color); tx++ {
				maxW = tx - x + 1
			}
			h1 := 1
		growDown:
			for ty := y + 1; ty < height; ty++ {
				for tx := x; tx < x+maxW; tx++ {
					if !free(ty*width+tx, color) {
						break growDown
					}
				}
				h1 = ty - y + 1
			}

			// Vertical-first: tallest run on this column, then extend right.
			maxH := 0
			for ty := y; ty < height && free(ty*width+x, color); ty++ {
				maxH = ty - y + 1
			}
			w2 := 1
		growRight:
			for tx := x + 1; tx < width; tx++ {
				for ty := y; ty < y+maxH; ty++ {
					if !free(ty*width+tx, color) {
						break growRight
					}
				}
				w2 = tx - x + 1
			}

			bestW, bestH := maxW, h1
			if w2*maxH > bestW*bestH {
				bestW, bestH = w2, maxH
			}

			for dy := 0; dy < bestH; dy++ {
				for dx := 0; dx < bestW; dx++ {
					marked[(y+dy)*width+(x+dx)] = true
				}
			}

			subrects = append(subrects, subrect{
				color: color,
				x:     uint16(x), y: uint16(y),
				w: uint16(bestW), h: uint16(bestH),
			})
		}
	}
	return subrects
}

// extractTile copies a tile out of a rectangle's pixel buffer.
func extractTile(buf *PixelBuffer, x, y, tw, th int) []uint32 {
	tile := make([]uint32, 0, tw*th)
	for dy := 0; dy < th; dy++ {
		tile = append(tile, buf.SubRow(y+dy, x, x+tw)...)
	}
	return tile
}
