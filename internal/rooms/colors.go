package rooms

// ColorAllocator assigns participant display colors from a fixed palette
type ColorAllocator struct {
	palette []string
}

// NewColorAllocator returns an allocator over palette, which must not be empty
func NewColorAllocator(palette []string) *ColorAllocator {
	return &ColorAllocator{palette: palette}
}

// Size returns the palette size
func (a *ColorAllocator) Size() int {
	return len(a.palette)
}

// Allocate returns the lowest-indexed palette color not in use. When every
// color is taken it falls back to palette[count mod K], where count is the
// number of participants already in the room.
func (a *ColorAllocator) Allocate(inUse map[string]int, count int) string {
	for _, c := range a.palette {
		if inUse[c] == 0 {
			return c
		}
	}
	return a.palette[count%len(a.palette)]
}
