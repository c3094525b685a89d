//go:build !dlib

package cmd

import (
	"errors"

	"go.uber.org/zap"

	"github.com/example/facereg/internal/config"
	"github.com/example/facereg/internal/embedding"
)

func newDlibEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) (embedding.Client, func() error, error) {
	return nil, nil, errors.New("embedding backend dlib requires a build with -tags dlib")
}
