package blobstore

import (
	"context"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/logging"
)

// WebDAVStore writes photos to a WebDAV share, creating folders as needed.
type WebDAVStore struct {
	client *gowebdav.Client
	logger *zap.Logger
}

// NewWebDAVStore connects to the share at url.
func NewWebDAVStore(url, user, password string, logger *zap.Logger) *WebDAVStore {
	client := gowebdav.NewClient(url, user, password)
	client.SetTimeout(30 * time.Second)
	return &WebDAVStore{client: client, logger: logger.Named("webdav")}
}

// Upload ignores ctx; gowebdav has no per-request context support.
func (s *WebDAVStore) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.MkdirAll(path.Dir("/"+key), 0o755); err != nil {
		return logging.NewOperationError("blobstore.webdav_mkdir", "", err)
	}
	if err := s.client.Write("/"+key, data, 0o644); err != nil {
		return logging.NewOperationError("blobstore.webdav_write", "", err)
	}
	s.logger.Debug("uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}
