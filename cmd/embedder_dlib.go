//go:build dlib

package cmd

import (
	"go.uber.org/zap"

	"github.com/example/facereg/internal/config"
	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/embedding/goface"
)

func newDlibEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) (embedding.Client, func() error, error) {
	embedder, err := goface.New(cfg.ModelsDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return embedder, embedder.Close, nil
}
