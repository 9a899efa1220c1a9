package internal

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var supportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true,
}

// Image is one decoded frame of a capture set.
type Image struct {
	ID     string
	Path   string
	Pixels image.Image
	Digest string // md5 of the encoded file
}

func (img *Image) Width() int  { return img.Pixels.Bounds().Dx() }
func (img *Image) Height() int { return img.Pixels.Bounds().Dy() }

// NewImage wraps already decoded pixels.
func NewImage(id string, pixels image.Image) *Image {
	return &Image{ID: id, Pixels: pixels, Digest: pixelDigest(pixels)}
}

// ImageSource is a target or reference frame that is decoded on demand, so a
// corrupt file only fails its own image.
type ImageSource struct {
	ID   string
	Path string
}

func (s ImageSource) withID() ImageSource {
	if s.ID == "" {
		s.ID = s.Path
	}
	return s
}

// ImageLoader decodes an ImageSource.
type ImageLoader func(src ImageSource) (*Image, error)

// LoadImage reads and decodes the file behind src.
func LoadImage(src ImageSource) (*Image, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.Path, ErrImageLoad)
	}

	pixels, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", src.Path, err, ErrImageLoad)
	}

	id := src.ID
	if id == "" {
		id = src.Path
	}

	sum := md5.Sum(data)
	return &Image{
		ID:     id,
		Path:   src.Path,
		Pixels: pixels,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// ListImages returns the capture files directly inside dir that its
// CaptureFilter accepts, sorted by name.
func ListImages(dir string) ([]ImageSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read capture dir: %w", err)
	}

	filter, err := NewCaptureFilter(dir)
	if err != nil {
		return nil, err
	}

	var out []ImageSource
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || !filter.Accept(path) {
			continue
		}
		out = append(out, ImageSource{ID: e.Name(), Path: path})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CollectTargets lists dir (when set) followed by the explicit paths,
// dropping repeated paths.
func CollectTargets(dir string, paths []string) ([]ImageSource, error) {
	var out []ImageSource
	if dir != "" {
		listed, err := ListImages(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, listed...)
	}
	for _, p := range paths {
		out = append(out, ImageSource{ID: filepath.Base(p), Path: p})
	}

	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, src := range out {
		key := filepath.Clean(src.Path)
		if seen[key] {
			continue
		}
		seen[key] = true
		uniq = append(uniq, src)
	}
	return UniqueIDs(uniq), nil
}

// UniqueIDs renames sources whose ID repeats an earlier one, e.g. two
// IMG_0001.jpg from different folders become IMG_0001.jpg and
// IMG_0001-2.jpg. IDs that occur once are never taken by a rename.
func UniqueIDs(srcs []ImageSource) []ImageSource {
	count := make(map[string]int, len(srcs))
	for _, s := range srcs {
		count[s.ID]++
	}

	out := make([]ImageSource, len(srcs))
	used := make(map[string]bool, len(srcs))
	for i, s := range srcs {
		if used[s.ID] {
			ext := filepath.Ext(s.ID)
			stem := strings.TrimSuffix(s.ID, ext)
			for n := 2; ; n++ {
				id := fmt.Sprintf("%s-%d%s", stem, n, ext)
				if count[id] == 0 && !used[id] {
					s.ID = id
					break
				}
			}
		}
		used[s.ID] = true
		out[i] = s
	}
	return out
}

// IsImageFile reports whether path has a supported image extension.
func IsImageFile(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

func pixelDigest(pixels image.Image) string {
	h := md5.New()
	b := pixels.Bounds()
	buf := make([]byte, 0, b.Dx()*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		buf = buf[:0]
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := pixels.At(x, y).RGBA()
			buf = append(buf, byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8))
		}
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
