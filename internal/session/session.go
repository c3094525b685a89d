// Package session keeps the transient state of one student's registration
// attempt between HTTP requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("registration session not found")

// Session is the accumulation buffer of the registration wizard.
// len(Embeddings) == len(Images) == len(PoseHashes) == CurrentStep.
type Session struct {
	ID          string      `json:"id"`
	ClassID     string      `json:"class_id"`
	USN         string      `json:"usn"`
	StudentName string      `json:"student_name"`
	CurrentStep int         `json:"current_step"`
	Embeddings  [][]float32 `json:"embeddings"`
	Images      [][]byte    `json:"images"`
	PoseHashes  []uint64    `json:"pose_hashes"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// New starts an empty session for a student.
func New(classID, usn, studentName string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		ClassID:     classID,
		USN:         usn,
		StudentName: studentName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Append records an accepted pose and advances the step.
func (s *Session) Append(embedding []float32, image []byte, hash uint64) {
	s.Embeddings = append(s.Embeddings, embedding)
	s.Images = append(s.Images, image)
	s.PoseHashes = append(s.PoseHashes, hash)
	s.CurrentStep++
	s.UpdatedAt = time.Now().UTC()
}

// Reset empties the buffers and returns to the first pose.
func (s *Session) Reset() {
	s.CurrentStep = 0
	s.Embeddings = nil
	s.Images = nil
	s.PoseHashes = nil
	s.UpdatedAt = time.Now().UTC()
}

// Validate checks the buffer invariant. Stores call it on load so a corrupt
// record never reaches the wizard.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session has no id")
	}
	if s.CurrentStep < 0 || len(s.Embeddings) != s.CurrentStep || len(s.Images) != s.CurrentStep || len(s.PoseHashes) != s.CurrentStep {
		return fmt.Errorf("session %s is inconsistent: step=%d embeddings=%d images=%d hashes=%d",
			s.ID, s.CurrentStep, len(s.Embeddings), len(s.Images), len(s.PoseHashes))
	}
	return nil
}

// Store persists sessions by id.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}
