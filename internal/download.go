package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultPatchModelURL      = "https://huggingface.co/onnx-community/dinov2-large/resolve/main/onnx/model.onnx"
	DefaultPatchModelFilename = "dinov2-large.onnx"
)

// ModelSource names a weights file and where to fetch it from.
type ModelSource struct {
	Filename string
	URL      string // empty when the file must already exist
	SHA256   string // optional hex digest, checked after download
}

// ProgressFunc receives bytes written so far and the expected total, which
// is -1 when the server does not say.
type ProgressFunc func(written, total int64)

type progressCounter struct {
	written  int64
	total    int64
	progress ProgressFunc
}

func (c *progressCounter) Write(p []byte) (int, error) {
	c.written += int64(len(p))
	if c.progress != nil {
		c.progress(c.written, c.total)
	}
	return len(p), nil
}

// Downloader keeps model weights in one directory and fetches missing ones.
type Downloader struct {
	modelsDir string
	token     string
	client    *http.Client
}

// NewDownloader sends token as a bearer credential, for gated repositories.
func NewDownloader(modelsDir, token string) *Downloader {
	return &Downloader{
		modelsDir: modelsDir,
		token:     token,
		client:    http.DefaultClient,
	}
}

// ModelPath resolves name against the models directory unless it is absolute.
func (d *Downloader) ModelPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.modelsDir, name)
}

// Fetch returns the local path of src, downloading it when missing. A file
// already in place is trusted as is; partial or mismatching downloads never
// appear under the final name.
func (d *Downloader) Fetch(ctx context.Context, src ModelSource, progress ProgressFunc) (string, error) {
	dest := d.ModelPath(src.Filename)

	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if src.URL == "" {
		return "", fmt.Errorf("model %s missing and no download url: %w", src.Filename, ErrProviderUnavailable)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}

	tmp := dest + ".part"
	digest, err := d.download(ctx, src.URL, tmp, progress)
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", src.Filename, err)
	}

	if src.SHA256 != "" && !strings.EqualFold(digest, src.SHA256) {
		os.Remove(tmp)
		return "", fmt.Errorf("%s: got sha256 %s, want %s: %w", src.Filename, digest, src.SHA256, ErrChecksumMismatch)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("install %s: %w", src.Filename, err)
	}
	return dest, nil
}

// download streams url into path and returns the hex sha256 of the body.
func (d *Downloader) download(ctx context.Context, url, path string, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	hash := sha256.New()
	counter := &progressCounter{total: resp.ContentLength, progress: progress}
	_, err = io.Copy(io.MultiWriter(f, hash, counter), resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
