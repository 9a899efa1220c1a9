package internal

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundingBox(t *testing.T) {
	m := RectMask(100, 100, image.Rect(10, 20, 51, 41))

	box, err := BoundingBox(m)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(10, 20, 51, 41), box)
	assert.Equal(t, 41*21, m.Area())
}

func TestBoundingBoxEmpty(t *testing.T) {
	_, err := BoundingBox(RectMask(10, 10, image.Rectangle{}))
	assert.ErrorIs(t, err, ErrEmptyMask)

	_, err = BoundingBox(nil)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestBoundingBoxAcrossWordBoundary(t *testing.T) {
	m := MaskFromFunc(200, 3, func(x, y int) bool {
		return (x == 63 && y == 0) || (x == 130 && y == 2)
	})

	box, err := BoundingBox(m)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(63, 0, 131, 3), box)
	assert.Equal(t, 2, m.Area())
}

func TestAreaRatio(t *testing.T) {
	assert.InDelta(t, 0.16, AreaRatio(RectMask(100, 100, image.Rect(10, 10, 50, 50))), 1e-12)
	assert.Zero(t, AreaRatio(RectMask(100, 100, image.Rectangle{})))
	assert.InDelta(t, 1.0, AreaRatio(RectMask(7, 3, image.Rect(-5, -5, 50, 50))), 1e-12)
}

func TestNewMask(t *testing.T) {
	m, err := NewMask(3, 2, []bool{true, false, false, false, false, true})
	require.NoError(t, err)
	assert.True(t, m.Contains(0, 0))
	assert.True(t, m.Contains(2, 1))
	assert.False(t, m.Contains(1, 0))
	assert.False(t, m.Contains(-1, 0))
	assert.Equal(t, 2, m.Area())

	_, err = NewMask(3, 2, []bool{true})
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)

	_, err = NewMask(0, 2, nil)
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)
}

func TestMaskIoU(t *testing.T) {
	a := RectMask(100, 100, image.Rect(10, 10, 50, 50))
	b := RectMask(100, 100, image.Rect(10, 10, 50, 60))
	c := RectMask(100, 100, image.Rect(60, 60, 80, 80))

	tests := []struct {
		name string
		x, y *Mask
		want float64
	}{
		{"identical", a, a, 1},
		{"nested", a, b, 0.8},
		{"symmetric", b, a, 0.8},
		{"disjoint", a, c, 0},
		{"both empty", RectMask(100, 100, image.Rectangle{}), RectMask(100, 100, image.Rectangle{}), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MaskIoU(tt.x, tt.y)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestMaskIoUSizeMismatch(t *testing.T) {
	_, err := MaskIoU(RectMask(10, 10, image.Rect(0, 0, 5, 5)), RectMask(10, 11, image.Rect(0, 0, 5, 5)))
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)
}

func TestMaskDigest(t *testing.T) {
	a := RectMask(100, 100, image.Rect(10, 10, 50, 50))
	b := MaskFromFunc(100, 100, func(x, y int) bool { return x >= 10 && x < 50 && y >= 10 && y < 50 })
	c := RectMask(100, 100, image.Rect(10, 10, 50, 51))

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.NotEqual(t, RectMask(10, 20, image.Rectangle{}).Digest(), RectMask(20, 10, image.Rectangle{}).Digest())
}

func TestProjectToPatchGrid(t *testing.T) {
	// 100 px over 10 cells: the mask fills cells 1..4 in both axes and
	// half of column 5.
	m := RectMask(100, 100, image.Rect(10, 10, 55, 50))

	pm, err := ProjectToPatchGrid(m, 10, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4*5, pm.Count)
	assert.True(t, pm.Cells[1*10+1])
	assert.True(t, pm.Cells[4*10+5])
	assert.False(t, pm.Cells[0])
	assert.False(t, pm.Cells[1*10+6])

	pm, err = ProjectToPatchGrid(m, 10, 10, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 4*4, pm.Count, "half covered cells do not exceed 0.5")
	assert.False(t, pm.Cells[1*10+5])
}

func TestProjectToPatchGridUneven(t *testing.T) {
	m := RectMask(37, 23, image.Rect(0, 0, 37, 23))

	pm, err := ProjectToPatchGrid(m, 4, 5, 0.99)
	require.NoError(t, err)
	assert.Equal(t, 20, pm.Count)

	_, err = ProjectToPatchGrid(m, 0, 5, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRLERoundTrip(t *testing.T) {
	m := MaskFromFunc(13, 7, func(x, y int) bool { return (x+y)%3 == 0 || x == 12 })

	rle := m.EncodeRLE()
	assert.Equal(t, [2]int{7, 13}, rle.Size)

	total := 0
	for _, n := range rle.Counts {
		total += n
	}
	assert.Equal(t, 13*7, total)

	back, err := DecodeRLE(rle)
	require.NoError(t, err)
	assert.Equal(t, m.Digest(), back.Digest())
	assert.Equal(t, m.Bounds(), back.Bounds())
}

func TestRLEStartsWithBackground(t *testing.T) {
	rle := RectMask(2, 2, image.Rect(0, 0, 2, 2)).EncodeRLE()
	assert.Equal(t, []int{0, 4}, rle.Counts)

	rle = RectMask(2, 2, image.Rect(1, 0, 2, 2)).EncodeRLE()
	assert.Equal(t, []int{2, 2}, rle.Counts)
}

func TestDecodeRLEInvalid(t *testing.T) {
	_, err := DecodeRLE(RLE{Size: [2]int{2, 2}, Counts: []int{1, 1}})
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)

	_, err = DecodeRLE(RLE{Size: [2]int{2, 2}, Counts: []int{3, 3}})
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)

	_, err = DecodeRLE(RLE{Size: [2]int{0, 2}})
	assert.ErrorIs(t, err, ErrMaskSizeMismatch)
}
