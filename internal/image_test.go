package internal

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "front.png")
	writeTestPNG(t, path, paint(40, 30, at(red, 5, 5, 15, 15)))

	img, err := LoadImage(ImageSource{Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, img.ID)
	assert.Equal(t, 40, img.Width())
	assert.Equal(t, 30, img.Height())
	assert.Len(t, img.Digest, 32)

	again, err := LoadImage(ImageSource{ID: "front", Path: path})
	require.NoError(t, err)
	assert.Equal(t, "front", again.ID)
	assert.Equal(t, img.Digest, again.Digest)
}

func TestLoadImageFailures(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.jpg")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a jpeg"), 0644))

	_, err := LoadImage(ImageSource{Path: corrupt})
	assert.ErrorIs(t, err, ErrImageLoad)
	assert.Equal(t, KindImageLoad, KindOf(err))

	_, err = LoadImage(ImageSource{Path: filepath.Join(dir, "missing.png")})
	assert.ErrorIs(t, err, ErrImageLoad)
}

func TestNewImageDigestFollowsPixels(t *testing.T) {
	a := NewImage("a", paint(20, 20, at(red, 0, 0, 5, 5)))
	b := NewImage("b", paint(20, 20, at(red, 0, 0, 5, 5)))
	c := NewImage("c", paint(20, 20, at(red, 0, 0, 5, 6)))

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestCollectTargets(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"02.jpg", "01.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	extra := filepath.Join(t.TempDir(), "extra.png")

	targets, err := CollectTargets(dir, []string{extra, filepath.Join(dir, ".", "01.jpg")})
	require.NoError(t, err)

	require.Len(t, targets, 3)
	assert.Equal(t, "01.jpg", targets[0].ID)
	assert.Equal(t, "02.jpg", targets[1].ID)
	assert.Equal(t, "extra.png", targets[2].ID)
	assert.Equal(t, extra, targets[2].Path)
}

func TestCollectTargetsSameNameInTwoFolders(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "setA", "IMG_0001.jpg")
	b := filepath.Join(root, "setB", "IMG_0001.jpg")

	targets, err := CollectTargets("", []string{a, b})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "IMG_0001.jpg", targets[0].ID)
	assert.Equal(t, "IMG_0001-2.jpg", targets[1].ID)
	assert.Equal(t, b, targets[1].Path)
}

func TestUniqueIDs(t *testing.T) {
	got := UniqueIDs([]ImageSource{
		{ID: "001.png"}, {ID: "001.png"}, {ID: "001-2.png"}, {ID: "001.png"}, {ID: "front"}, {ID: "front"},
	})
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"001.png", "001-3.png", "001-2.png", "001-4.png", "front", "front-2"}, ids)
}

func TestCollectTargetsMissingDir(t *testing.T) {
	_, err := CollectTargets(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a/b/c.JPG"))
	assert.True(t, IsImageFile("shot.webp"))
	assert.True(t, IsImageFile("scan.tiff"))
	assert.False(t, IsImageFile("notes.txt"))
	assert.False(t, IsImageFile("raw.cr2"))
}

func TestParsePrompt(t *testing.T) {
	p, err := ParsePrompt("12, 34", "", true)
	require.NoError(t, err)
	assert.Equal(t, PromptPoint, p.Kind)
	assert.Equal(t, image.Pt(12, 34), p.Point)
	assert.True(t, p.Negative)

	p, err = ParsePrompt("", "1,2,30,40", false)
	require.NoError(t, err)
	assert.Equal(t, PromptBox, p.Kind)
	assert.Equal(t, image.Rect(1, 2, 30, 40), p.Box)

	for _, tc := range [][2]string{{"", ""}, {"1,2", "1,2,3,4"}, {"1", ""}, {"", "1,2,3"}, {"a,b", ""}} {
		_, err := ParsePrompt(tc[0], tc[1], false)
		assert.ErrorIs(t, err, ErrInvalidPrompt, "%q %q", tc[0], tc[1])
	}
}

func TestPromptValidate(t *testing.T) {
	assert.NoError(t, PointPrompt(0, 0).Validate(10, 10))
	assert.NoError(t, PointPrompt(9, 9).Validate(10, 10))
	assert.ErrorIs(t, PointPrompt(10, 5).Validate(10, 10), ErrInvalidPrompt)
	assert.ErrorIs(t, PointPrompt(-1, 5).Validate(10, 10), ErrInvalidPrompt)

	assert.NoError(t, BoxPrompt(5, 5, 50, 50).Validate(10, 10), "partially inside")
	assert.ErrorIs(t, BoxPrompt(5, 5, 5, 9).Validate(10, 10), ErrInvalidPrompt)
	assert.ErrorIs(t, BoxPrompt(20, 20, 30, 30).Validate(10, 10), ErrInvalidPrompt)
	assert.ErrorIs(t, Prompt{Kind: "lasso"}.Validate(10, 10), ErrInvalidPrompt)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindEmptyMask, KindOf(ErrEmptyMask))
	assert.Equal(t, KindNoMaskProduced, KindOf(&ReferenceConstructionError{ImageID: "x", Err: ErrNoMaskProduced}))
	assert.Equal(t, KindInternal, KindOf(os.ErrPermission))
}
