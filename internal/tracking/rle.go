package tracking

import (
	"errors"
	"fmt"
	"strings"
)

// OrderColumnMajor is the only traversal convention the codec supports,
// matching the widely used COCO binary-mask RLE format (Fortran order).
const OrderColumnMajor = "F"

// ErrMalformedRLE is returned when an RLEMask violates the codec invariants:
// unparsable counts, a negative run, a run sum that does not cover the mask
// area, or non-positive dimensions. Valid cache entries never trigger it.
var ErrMalformedRLE = errors.New("malformed RLE mask")

// Mask is a decoded binary mask stored row-major: Pix[y*Width+x] is 1 for
// foreground and 0 for background.
type Mask struct {
	Height int
	Width  int
	Pix    []uint8
}

// NewMask returns an all-background mask of the given dimensions.
func NewMask(height, width int) *Mask {
	return &Mask{Height: height, Width: width, Pix: make([]uint8, height*width)}
}

// At returns the pixel at (x, y).
func (m *Mask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

// Set assigns the pixel at (x, y).
func (m *Mask) Set(x, y int, v uint8) {
	m.Pix[y*m.Width+x] = v
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	cp := &Mask{Height: m.Height, Width: m.Width, Pix: make([]uint8, len(m.Pix))}
	copy(cp.Pix, m.Pix)
	return cp
}

// EncodeRLE encodes a binary mask into its canonical RLEMask form.
// The mask is traversed column-major and the run sequence always starts with
// a (possibly zero) background run, so run-index parity determines the value.
func EncodeRLE(m *Mask) RLEMask {
	counts := make([]int, 0, 16)
	run := 0
	cur := uint8(0)
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			v := m.At(x, y)
			if v != cur {
				counts = append(counts, run)
				run = 0
				cur = v
			}
			run++
		}
	}
	counts = append(counts, run)
	return RLEMask{
		Size:   [2]int{m.Height, m.Width},
		Counts: compressCounts(counts),
		Order:  OrderColumnMajor,
	}
}

// DecodeRLE decodes an RLEMask back into a binary mask. It fails with
// ErrMalformedRLE if the counts string cannot be parsed into a nonnegative
// run sequence summing to height*width, or the dimensions are non-positive.
func DecodeRLE(r RLEMask) (*Mask, error) {
	h, w := r.Size[0], r.Size[1]
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: non-positive size [%d, %d]", ErrMalformedRLE, h, w)
	}
	if r.Order != "" && r.Order != OrderColumnMajor {
		return nil, fmt.Errorf("%w: unsupported order %q", ErrMalformedRLE, r.Order)
	}

	counts, err := decompressCounts(r.Counts)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("%w: negative run length %d", ErrMalformedRLE, c)
		}
		total += c
	}
	if total != h*w {
		return nil, fmt.Errorf("%w: runs cover %d pixels, mask has %d", ErrMalformedRLE, total, h*w)
	}

	m := NewMask(h, w)
	pos := 0
	for i, c := range counts {
		if i%2 == 1 {
			for j := pos; j < pos+c; j++ {
				// Column-major position j maps to column j/h, row j%h.
				m.Set(j/h, j%h, 1)
			}
		}
		pos += c
	}
	return m, nil
}

// compressCounts packs run lengths into the printable COCO counts string.
// Each value is emitted as little-endian 5-bit groups with a continuation
// bit, each group stored as one character offset by 48; runs at index >= 3
// are delta-encoded against the run two positions back.
func compressCounts(counts []int) string {
	var b strings.Builder
	for i, c := range counts {
		x := int64(c)
		if i > 2 {
			x -= int64(counts[i-2])
		}
		for more := true; more; {
			g := x & 0x1f
			x >>= 5
			if g&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				g |= 0x20
			}
			b.WriteByte(byte(g + 48))
		}
	}
	return b.String()
}

// decompressCounts is the inverse of compressCounts.
func decompressCounts(s string) ([]int, error) {
	counts := make([]int, 0, 16)
	for i := 0; i < len(s); {
		var x int64
		shift := uint(0)
		for {
			if i >= len(s) {
				return nil, fmt.Errorf("%w: truncated counts string", ErrMalformedRLE)
			}
			g := int64(s[i]) - 48
			if g < 0 || g > 63 {
				return nil, fmt.Errorf("%w: counts byte %q out of range", ErrMalformedRLE, s[i])
			}
			i++
			x |= (g & 0x1f) << shift
			shift += 5
			if g&0x20 == 0 {
				if g&0x10 != 0 {
					// Sign-extend the final group.
					x |= -1 << shift
				}
				break
			}
		}
		if len(counts) > 2 {
			x += int64(counts[len(counts)-2])
		}
		counts = append(counts, int(x))
	}
	return counts, nil
}
