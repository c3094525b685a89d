//go:build dlib

// Package goface runs dlib face recognition in-process through go-face.
// It is compiled only with the dlib build tag because it links against dlib.
package goface

import (
	"context"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/logging"
)

// Embedder wraps a go-face recognizer. The recognizer is not safe for
// concurrent use, so calls are serialized.
type Embedder struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	logger *zap.Logger
}

// New loads the dlib models from modelsDir.
func New(modelsDir string, logger *zap.Logger) (*Embedder, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, logging.NewOperationError("goface.load_models", "", err)
	}
	return &Embedder{rec: rec, logger: logger.Named("goface")}, nil
}

// DetectAndEmbed implements embedding.Client. Only JPEG input is accepted by
// dlib, which matches what the wizard sends.
func (e *Embedder) DetectAndEmbed(ctx context.Context, image []byte) ([]embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	faces, err := e.rec.Recognize(image)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("recognize failed", zap.Error(err))
		return nil, logging.NewOperationError("goface.recognize", "", err)
	}

	vectors := make([]embedding.Vector, 0, len(faces))
	for _, f := range faces {
		vec := make(embedding.Vector, len(f.Descriptor))
		copy(vec, f.Descriptor[:])
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// Close releases the dlib models.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Close()
	return nil
}
