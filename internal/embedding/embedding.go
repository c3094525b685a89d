// Package embedding talks to the face embedding service and aggregates the
// vectors it returns.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Vector is one face embedding. Its dimension is owned by the service.
type Vector []float32

// Client exposes the single capability the registration flow needs: detect
// faces in an encoded image and return one embedding per detected face.
type Client interface {
	DetectAndEmbed(ctx context.Context, image []byte) ([]Vector, error)
}

var (
	// ErrNoUsableFace is returned when a frame holds zero or several faces.
	ErrNoUsableFace = errors.New("no usable face: exactly one face must be visible")
	ErrNoVectors    = errors.New("no vectors to average")
)

// DimensionError reports a vector whose length differs from the first one.
type DimensionError struct {
	Index int
	Want  int
	Got   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector %d has dimension %d, want %d", e.Index, e.Got, e.Want)
}

// Extract asks client for the faces in image and returns the embedding of the
// only face. Frames with no face or more than one face yield ErrNoUsableFace.
func Extract(ctx context.Context, client Client, image []byte) (Vector, error) {
	faces, err := client.DetectAndEmbed(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(faces) != 1 || len(faces[0]) == 0 {
		return nil, ErrNoUsableFace
	}
	return faces[0], nil
}

// Mean returns the element-wise arithmetic mean of vectors. Sums are
// accumulated in float64.
func Mean(vectors []Vector) (Vector, error) {
	if len(vectors) == 0 {
		return nil, ErrNoVectors
	}
	dim := len(vectors[0])
	sums := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, &DimensionError{Index: i, Want: dim, Got: len(v)}
		}
		for j, x := range v {
			sums[j] += float64(x)
		}
	}

	n := float64(len(vectors))
	mean := make(Vector, dim)
	for j, s := range sums {
		mean[j] = float32(s / n)
	}
	return mean, nil
}
