package internal

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
)

// Mask is an immutable binary raster over an image's pixel grid. Rows are
// packed into 64-bit words and padded to a word boundary, so padding bits
// are always zero.
type Mask struct {
	width  int
	height int
	stride int // words per row
	words  []uint64
	area   int
	bounds image.Rectangle
}

func newMask(width, height int) *Mask {
	stride := (width + 63) / 64
	return &Mask{
		width:  width,
		height: height,
		stride: stride,
		words:  make([]uint64, stride*height),
	}
}

func (m *Mask) set(x, y int) {
	m.words[y*m.stride+x/64] |= 1 << uint(x%64)
}

// seal computes area and bounds. Called once by every constructor.
func (m *Mask) seal() *Mask {
	minX, minY, maxX, maxY := m.width, m.height, -1, -1
	area := 0
	for y := 0; y < m.height; y++ {
		row := m.words[y*m.stride : (y+1)*m.stride]
		rowArea := 0
		for i, w := range row {
			if w == 0 {
				continue
			}
			rowArea += bits.OnesCount64(w)
			lo := i*64 + bits.TrailingZeros64(w)
			hi := i*64 + 63 - bits.LeadingZeros64(w)
			minX = min(minX, lo)
			maxX = max(maxX, hi)
		}
		if rowArea > 0 {
			minY = min(minY, y)
			maxY = y
			area += rowArea
		}
	}
	m.area = area
	if area > 0 {
		m.bounds = image.Rect(minX, minY, maxX+1, maxY+1)
	}
	return m
}

// NewMask builds a mask from a row-major boolean raster.
func NewMask(width, height int, fg []bool) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mask dimensions %dx%d: %w", width, height, ErrMaskSizeMismatch)
	}
	if len(fg) != width*height {
		return nil, fmt.Errorf("raster has %d pixels, want %d: %w", len(fg), width*height, ErrMaskSizeMismatch)
	}
	m := newMask(width, height)
	for i, v := range fg {
		if v {
			m.set(i%width, i/width)
		}
	}
	return m.seal(), nil
}

// MaskFromFunc builds a mask where fn reports foreground pixels.
func MaskFromFunc(width, height int, fn func(x, y int) bool) *Mask {
	m := newMask(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if fn(x, y) {
				m.set(x, y)
			}
		}
	}
	return m.seal()
}

// RectMask builds a mask whose foreground is r clipped to the image.
func RectMask(width, height int, r image.Rectangle) *Mask {
	r = r.Intersect(image.Rect(0, 0, width, height))
	m := newMask(width, height)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.set(x, y)
		}
	}
	return m.seal()
}

func (m *Mask) Width() int  { return m.width }
func (m *Mask) Height() int { return m.height }

// Area is the number of foreground pixels.
func (m *Mask) Area() int { return m.area }

// Bounds is the tightest rectangle containing every foreground pixel, or the
// zero rectangle for an empty mask.
func (m *Mask) Bounds() image.Rectangle { return m.bounds }

func (m *Mask) Contains(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	return m.words[y*m.stride+x/64]&(1<<uint(x%64)) != 0
}

func (m *Mask) sameSize(o *Mask) bool {
	return m.width == o.width && m.height == o.height
}

// Digest identifies the mask content; equal masks share a digest.
func (m *Mask) Digest() string {
	h := md5.New()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.width))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.height))
	h.Write(hdr[:])
	buf := make([]byte, 8)
	for _, w := range m.words {
		binary.LittleEndian.PutUint64(buf, w)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BoundingBox returns the tightest box around the foreground. Max is exclusive.
func BoundingBox(m *Mask) (image.Rectangle, error) {
	if m == nil || m.area == 0 {
		return image.Rectangle{}, ErrEmptyMask
	}
	return m.bounds, nil
}

// AreaRatio is the foreground fraction of the image.
func AreaRatio(m *Mask) float64 {
	total := m.width * m.height
	if total == 0 {
		return 0
	}
	return float64(m.area) / float64(total)
}

// MaskIoU is the intersection-over-union of two masks of equal size. An
// empty union yields 0.
func MaskIoU(a, b *Mask) (float64, error) {
	if !a.sameSize(b) {
		return 0, fmt.Errorf("%dx%d vs %dx%d: %w", a.width, a.height, b.width, b.height, ErrMaskSizeMismatch)
	}
	var inter, union int
	for i := range a.words {
		inter += bits.OnesCount64(a.words[i] & b.words[i])
		union += bits.OnesCount64(a.words[i] | b.words[i])
	}
	if union == 0 {
		return 0, nil
	}
	return float64(inter) / float64(union), nil
}

// PatchMask marks which cells of a provider patch grid belong to the foreground.
type PatchMask struct {
	Rows  int
	Cols  int
	Cells []bool // row-major
	Count int
}

// ProjectToPatchGrid maps a mask onto a rows×cols grid. Each cell covers the
// proportional pixel span the provider resizes into one patch; a cell is
// foreground when its foreground fraction exceeds coverage.
func ProjectToPatchGrid(m *Mask, rows, cols int, coverage float64) (*PatchMask, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("patch grid %dx%d: %w", rows, cols, ErrInvalidConfig)
	}
	rowOf := spanIndex(m.height, rows)
	colOf := spanIndex(m.width, cols)

	counts := make([]int, rows*cols)
	for y := 0; y < m.height; y++ {
		r := rowOf[y]
		row := m.words[y*m.stride : (y+1)*m.stride]
		for i, w := range row {
			for w != 0 {
				x := i*64 + bits.TrailingZeros64(w)
				counts[r*cols+colOf[x]]++
				w &= w - 1
			}
		}
	}

	pm := &PatchMask{Rows: rows, Cols: cols, Cells: make([]bool, rows*cols)}
	for r := 0; r < rows; r++ {
		ch := spanLen(m.height, rows, r)
		for c := 0; c < cols; c++ {
			cellPixels := ch * spanLen(m.width, cols, c)
			if cellPixels == 0 {
				continue
			}
			n := counts[r*cols+c]
			if n > 0 && float64(n)/float64(cellPixels) > coverage {
				pm.Cells[r*cols+c] = true
				pm.Count++
			}
		}
	}
	return pm, nil
}

// spanIndex maps each of n pixels to one of parts proportional spans.
func spanIndex(n, parts int) []int {
	idx := make([]int, n)
	for p := 0; p < parts; p++ {
		for i := p * n / parts; i < (p+1)*n/parts; i++ {
			idx[i] = p
		}
	}
	return idx
}

func spanLen(n, parts, p int) int {
	return (p+1)*n/parts - p*n/parts
}

// RLE is a COCO-style uncompressed run-length encoding: column-major runs
// that always start with a background run.
type RLE struct {
	Size   [2]int `json:"size"` // height, width
	Counts []int  `json:"counts"`
}

func (m *Mask) EncodeRLE() RLE {
	rle := RLE{Size: [2]int{m.height, m.width}}
	cur := false
	run := 0
	for x := 0; x < m.width; x++ {
		for y := 0; y < m.height; y++ {
			v := m.Contains(x, y)
			if v != cur {
				rle.Counts = append(rle.Counts, run)
				cur = v
				run = 0
			}
			run++
		}
	}
	rle.Counts = append(rle.Counts, run)
	return rle
}

func DecodeRLE(rle RLE) (*Mask, error) {
	h, w := rle.Size[0], rle.Size[1]
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("rle size %v: %w", rle.Size, ErrMaskSizeMismatch)
	}
	m := newMask(w, h)
	pos := 0
	fg := false
	for _, n := range rle.Counts {
		if n < 0 || pos+n > w*h {
			return nil, fmt.Errorf("rle counts exceed %d pixels: %w", w*h, ErrMaskSizeMismatch)
		}
		if fg {
			for i := pos; i < pos+n; i++ {
				m.set(i/h, i%h)
			}
		}
		pos += n
		fg = !fg
	}
	if pos != w*h {
		return nil, fmt.Errorf("rle covers %d of %d pixels: %w", pos, w*h, ErrMaskSizeMismatch)
	}
	return m.seal(), nil
}
