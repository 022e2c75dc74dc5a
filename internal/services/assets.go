package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
)

const maxImageBytes = 20 << 20

// ImageFetcher materializes a character image as a local file.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL, destPath string) error
}

// AssetFetcher resolves the three kinds of image references a character can
// carry: a path under the public uploads directory, a data: URL, or a remote
// URL.
type AssetFetcher struct {
	publicDir string
	client    *http.Client
	maxBytes  int64
	logger    zerolog.Logger
}

var _ ImageFetcher = (*AssetFetcher)(nil)

func NewAssetFetcher(publicDir string) *AssetFetcher {
	return &AssetFetcher{
		publicDir: publicDir,
		client:    &http.Client{Timeout: 60 * time.Second},
		maxBytes:  maxImageBytes,
		logger:    logging.Component("assets"),
	}
}

func (f *AssetFetcher) FetchImage(ctx context.Context, imageURL, destPath string) error {
	var data []byte
	var err error

	switch {
	case imageURL == "":
		return fmt.Errorf("character has no image")
	case strings.HasPrefix(imageURL, "/uploads/"):
		data, err = f.readLocal(imageURL)
	case strings.HasPrefix(imageURL, "data:"):
		data, err = decodeDataURL(imageURL)
	default:
		data, err = f.download(ctx, imageURL)
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("character image is empty")
	}

	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write character image: %w", err)
	}

	f.logger.Debug().Str("dest", destPath).Int("bytes", len(data)).Msg("Character image fetched")
	return nil
}

func (f *AssetFetcher) readLocal(ref string) ([]byte, error) {
	// Clean the reference as an absolute path so ".." cannot climb out of publicDir.
	rel := strings.TrimPrefix(filepath.Clean("/"+strings.TrimPrefix(ref, "/")), "/")
	data, err := os.ReadFile(filepath.Join(f.publicDir, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read local image %s: %w", ref, err)
	}
	return data, nil
}

func decodeDataURL(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URL")
	}
	meta, payload := ref[len("data:"):comma], ref[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URL encoding %q", meta)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data URL: %w", err)
	}
	return data, nil
}

func (f *AssetFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}
