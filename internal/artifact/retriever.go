// Package artifact downloads finished generation results to local storage and
// optionally archives them to S3.
package artifact

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"
)

// DefaultExt is used when neither the URL nor the payload identifies the format.
const DefaultExt = ".png"

const defaultDownloadTimeout = 5 * time.Minute

// StatusError is a non-2xx response from the artifact host.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: HTTP %d", e.URL, e.StatusCode)
}

// Retriever streams remote artifacts into a local directory.
type Retriever struct {
	httpClient *http.Client
	dir        string
}

// NewRetriever returns a Retriever that writes into dir.
func NewRetriever(dir string) *Retriever {
	return &Retriever{
		httpClient: &http.Client{Timeout: defaultDownloadTimeout},
		dir:        dir,
	}
}

// Dir returns the directory Fetch writes into.
func (r *Retriever) Dir() string { return r.dir }

// Download streams rawURL to destPath, creating parent directories as needed.
// The payload lands in a temp file first so destPath is never left half written.
func (r *Retriever) Download(ctx context.Context, rawURL, destPath string) error {
	tmp, err := r.stream(ctx, rawURL, filepath.Dir(destPath))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename download: %w", err)
	}
	return nil
}

// Fetch downloads rawURL into the retriever directory as <stem><ext> and
// returns the local path. The extension comes from the URL suffix, then from
// sniffing the payload, then DefaultExt.
func (r *Retriever) Fetch(ctx context.Context, rawURL, stem string) (string, error) {
	tmp, err := r.stream(ctx, rawURL, r.dir)
	if err != nil {
		return "", err
	}

	ext := ExtFromURL(rawURL)
	if ext == "" {
		ext = sniffExt(tmp)
	}
	dest := filepath.Join(r.dir, stem+ext)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename download: %w", err)
	}
	return dest, nil
}

// stream copies the response body into a new temp file inside dir.
func (r *Retriever) stream(ctx context.Context, rawURL, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	f, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(f.Name())
		if copyErr != nil {
			return "", fmt.Errorf("write download: %w", copyErr)
		}
		return "", fmt.Errorf("close download: %w", closeErr)
	}

	log.Debug().
		Str("url", rawURL).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("Artifact downloaded")
	return f.Name(), nil
}

// ExtFromURL returns the image extension carried by the URL path, or "" when
// it is not one of .jpg, .jpeg, .png or .webp.
func ExtFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return ext
	}
	return ""
}

func sniffExt(localPath string) string {
	f, err := os.Open(localPath)
	if err != nil {
		return DefaultExt
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return DefaultExt
	}
	switch format {
	case "jpeg":
		return ".jpg"
	case "webp":
		return ".webp"
	case "gif":
		return ".gif"
	}
	return DefaultExt
}
