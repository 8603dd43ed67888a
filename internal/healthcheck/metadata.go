package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settings"
)

// MetadataSource fetches the published metadata of a stage.
type MetadataSource interface {
	Fetch(ctx context.Context) (*settings.Metadata, error)
}

// HTTPMetadata downloads metadata from a URL such as
// https://metadata.perp.exchange/production.json.
type HTTPMetadata struct {
	url    string
	client *http.Client
}

// NewHTTPMetadata reads url with a 15 second timeout.
func NewHTTPMetadata(url string) *HTTPMetadata {
	return &HTTPMetadata{url: url, client: &http.Client{Timeout: 15 * time.Second}}
}

func (m *HTTPMetadata) Fetch(ctx context.Context) (*settings.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("healthcheck: create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("healthcheck: fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("healthcheck: fetch metadata: status %d: %s", resp.StatusCode, body)
	}
	return settings.ParseMetadata(resp.Body)
}

// BlobMetadata reads metadata from object storage under
// settings.MetadataKey(stage).
type BlobMetadata struct {
	reader domain.BlobReader
	key    string
}

// NewBlobMetadata reads the metadata of stage through reader.
func NewBlobMetadata(reader domain.BlobReader, stage domain.Stage) *BlobMetadata {
	return &BlobMetadata{reader: reader, key: settings.MetadataKey(stage)}
}

func (m *BlobMetadata) Fetch(ctx context.Context) (*settings.Metadata, error) {
	rc, err := m.reader.Get(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("healthcheck: read %s: %w", m.key, err)
	}
	defer rc.Close()
	return settings.ParseMetadata(rc)
}

// FileMetadata reads metadata/{stage}.json written by the last local
// migration run.
type FileMetadata struct {
	path string
}

// NewFileMetadata reads the metadata of stage under dir.
func NewFileMetadata(dir string, stage domain.Stage) *FileMetadata {
	return &FileMetadata{path: settings.MetadataPath(dir, stage)}
}

func (m *FileMetadata) Fetch(context.Context) (*settings.Metadata, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("healthcheck: open metadata: %w", err)
	}
	defer f.Close()
	return settings.ParseMetadata(f)
}
