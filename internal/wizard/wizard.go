// Package wizard drives one student through the ordered pose captures and
// persists the averaged face embedding once every pose is accepted.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/corona10/goimagehash"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/blobstore"
	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/imagecodec"
	"github.com/example/facereg/internal/logging"
	"github.com/example/facereg/internal/quality"
	"github.com/example/facereg/internal/repository"
	"github.com/example/facereg/internal/session"
)

const imageMIMEType = "image/jpeg"

// Directory defines the student directory operations needed by the wizard.
type Directory interface {
	ListStudents(ctx context.Context, classID string) ([]repository.Student, error)
	GetStudent(ctx context.Context, classID, usn string) (*repository.Student, error)
	UpdateStudent(ctx context.Context, classID, usn string, embedding []float32, faceRegistered bool) error
	ClassStats(ctx context.Context, classID string) (*repository.ClassStats, error)
}

// Gate screens a decoded frame before it is embedded.
type Gate interface {
	Check(img image.Image) (quality.Report, error)
}

// Options tune the wizard. Zero values select the defaults.
type Options struct {
	Poses                []string
	Departments          []string
	RejectDuplicatePoses bool
	DuplicateMaxDistance int
	// MaxFramePixels bounds width*height of a capture before decoding.
	MaxFramePixels int
}

// Wizard is the registration state machine. All state lives in the session
// store; one Wizard serves every browser session.
type Wizard struct {
	dir         Directory
	sessions    session.Store
	embedder    embedding.Client
	blobs       blobstore.Store
	gate        Gate
	poses       PoseSequence
	departments map[string]bool
	opts        Options
	logger      *zap.Logger
}

// State is what the form renders after every action.
type State struct {
	SessionID   string `json:"session_id"`
	ClassID     string `json:"class_id"`
	USN         string `json:"usn"`
	StudentName string `json:"student_name"`
	Step        int    `json:"step"`
	Total       int    `json:"total"`
	Pose        string `json:"pose,omitempty"`
	Ready       bool   `json:"ready"`
}

// CaptureResult describes an accepted pose.
type CaptureResult struct {
	State
	Accepted string         `json:"accepted"`
	Quality  quality.Report `json:"quality"`
}

// FinalizeResult describes a completed registration.
type FinalizeResult struct {
	State
	Uploaded  []string `json:"uploaded"`
	Dimension int      `json:"dimension"`
}

// RosterEntry is one row of the student selector.
type RosterEntry struct {
	USN            string `json:"usn"`
	Name           string `json:"name"`
	FaceRegistered bool   `json:"face_registered"`
}

// New constructs a wizard.
func New(dir Directory, sessions session.Store, embedder embedding.Client, blobs blobstore.Store, gate Gate, opts Options, logger *zap.Logger) *Wizard {
	if opts.DuplicateMaxDistance <= 0 {
		opts.DuplicateMaxDistance = 4
	}
	if opts.MaxFramePixels <= 0 {
		opts.MaxFramePixels = imagecodec.DefaultMaxPixels
	}
	departments := make(map[string]bool, len(opts.Departments))
	for _, d := range opts.Departments {
		departments[strings.TrimSpace(d)] = true
	}
	return &Wizard{
		dir:         dir,
		sessions:    sessions,
		embedder:    embedder,
		blobs:       blobs,
		gate:        gate,
		poses:       newPoseSequence(opts.Poses),
		departments: departments,
		opts:        opts,
		logger:      logger.Named("registration_wizard"),
	}
}

// Poses returns the capture order.
func (w *Wizard) Poses() PoseSequence {
	return append(PoseSequence(nil), w.poses...)
}

// Departments returns the configured departments in configuration order.
func (w *Wizard) Departments() []string {
	return append([]string(nil), w.opts.Departments...)
}

func (w *Wizard) checkClass(class Class) error {
	if !class.Complete() {
		return ErrInputIncomplete
	}
	if len(w.departments) > 0 && !w.departments[class.normalized().Department] {
		return fmt.Errorf("%w: %s", ErrUnknownDepartment, class.Department)
	}
	return nil
}

// Roster lists the students of a class for the student selector.
func (w *Wizard) Roster(ctx context.Context, class Class) ([]RosterEntry, error) {
	if err := w.checkClass(class); err != nil {
		return nil, err
	}
	students, err := w.dir.ListStudents(ctx, class.ID())
	if err != nil {
		return nil, logging.NewOperationError("wizard.roster", "", err)
	}
	if len(students) == 0 {
		return nil, ErrNoRosterFound
	}
	entries := make([]RosterEntry, 0, len(students))
	for _, s := range students {
		entries = append(entries, RosterEntry{USN: s.USN, Name: s.Name, FaceRegistered: s.FaceRegistered})
	}
	return entries, nil
}

// Begin opens a registration session for one student after checking the
// class, the roster and the student's registration flag.
func (w *Wizard) Begin(ctx context.Context, class Class, usn string) (*State, error) {
	usn = strings.TrimSpace(usn)
	if err := w.checkClass(class); err != nil {
		return nil, err
	}
	if usn == "" {
		return nil, ErrInputIncomplete
	}
	classID := class.ID()

	roster, err := w.Roster(ctx, class)
	if err != nil {
		return nil, err
	}
	onRoster := false
	for _, entry := range roster {
		if entry.USN == usn {
			onRoster = true
			break
		}
	}
	if !onRoster {
		return nil, ErrStudentNotFound
	}

	student, err := w.dir.GetStudent(ctx, classID, usn)
	if err != nil {
		if errors.Is(err, repository.ErrStudentNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, logging.NewOperationError("wizard.begin", "", err)
	}
	if student.FaceRegistered {
		return nil, ErrAlreadyRegistered
	}

	s := session.New(classID, usn, student.Name)
	if err := w.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	logging.WithOperation(w.logger, "wizard.begin", s.ID).Info("registration started",
		zap.String("class_id", classID), zap.String("usn", usn))
	state := w.stateOf(s)
	return &state, nil
}

// State returns the current state of a session.
func (w *Wizard) State(ctx context.Context, sessionID string) (*State, error) {
	s, err := w.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := w.stateOf(s)
	return &state, nil
}

// Capture screens one frame for the current pose. An accepted frame advances
// the session by one step; a rejected frame leaves it unchanged.
func (w *Wizard) Capture(ctx context.Context, sessionID string, data []byte) (*CaptureResult, error) {
	s, err := w.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.CurrentStep >= w.poses.Len() {
		return nil, ErrSequenceComplete
	}
	pose := w.poses.At(s.CurrentStep)
	opLogger := logging.WithOperation(w.logger, "wizard.capture", s.ID).With(zap.String("pose", pose))

	img, _, err := imagecodec.DecodeWithLimit(data, w.opts.MaxFramePixels)
	if err != nil {
		opLogger.Info("capture rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	report, err := w.gate.Check(img)
	if err != nil {
		opLogger.Info("capture rejected", zap.Error(err),
			zap.Float64("brightness", report.Brightness), zap.Float64("sharpness", report.Sharpness))
		return nil, err
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, logging.NewOperationError("wizard.hash", s.ID, err)
	}
	if w.opts.RejectDuplicatePoses && s.CurrentStep > 0 {
		prev := goimagehash.NewImageHash(s.PoseHashes[s.CurrentStep-1], goimagehash.PHash)
		if distance, err := hash.Distance(prev); err == nil && distance <= w.opts.DuplicateMaxDistance {
			opLogger.Info("capture rejected", zap.Error(ErrDuplicatePose), zap.Int("distance", distance))
			return nil, ErrDuplicatePose
		}
	}

	encoded, err := imagecodec.EncodeJPEG(img)
	if err != nil {
		return nil, logging.NewOperationError("wizard.encode", s.ID, err)
	}

	vec, err := embedding.Extract(ctx, w.embedder, encoded)
	if err != nil {
		if errors.Is(err, embedding.ErrNoUsableFace) {
			opLogger.Info("capture rejected", zap.Error(err))
			return nil, err
		}
		wrapped := logging.NewOperationError("wizard.embed", s.ID, err)
		opLogger.Error("embedding failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if s.CurrentStep > 0 && len(vec) != len(s.Embeddings[0]) {
		return nil, logging.NewOperationError("wizard.embed", s.ID,
			&embedding.DimensionError{Index: s.CurrentStep, Want: len(s.Embeddings[0]), Got: len(vec)})
	}

	s.Append(vec, encoded, hash.GetHash())
	if err := w.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	opLogger.Info("pose accepted", zap.Int("step", s.CurrentStep), zap.Int("total", w.poses.Len()))
	return &CaptureResult{State: w.stateOf(s), Accepted: pose, Quality: report}, nil
}

// Finalize averages the captured embeddings, uploads every pose photo and
// marks the student registered. The session is then reset to the first pose.
// Photos are uploaded before the directory update; a failed upload leaves the
// student unregistered and the session ready for another Finalize.
func (w *Wizard) Finalize(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	s, err := w.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.CurrentStep < w.poses.Len() {
		return nil, ErrNotReady
	}
	opLogger := logging.WithOperation(w.logger, "wizard.finalize", s.ID)

	student, err := w.dir.GetStudent(ctx, s.ClassID, s.USN)
	if err != nil {
		if errors.Is(err, repository.ErrStudentNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, logging.NewOperationError("wizard.finalize", s.ID, err)
	}
	if student.FaceRegistered {
		return nil, ErrAlreadyRegistered
	}

	vectors := make([]embedding.Vector, len(s.Embeddings))
	for i, e := range s.Embeddings {
		vectors[i] = e
	}
	mean, err := embedding.Mean(vectors)
	if err != nil {
		return nil, logging.NewOperationError("wizard.average", s.ID, err)
	}

	uploaded := make([]string, 0, len(s.Images))
	for i, img := range s.Images {
		key := blobstore.FaceKey(s.ClassID, s.USN, w.poses.At(i))
		if err := w.blobs.Upload(ctx, key, img, imageMIMEType); err != nil {
			wrapped := logging.NewOperationError("wizard.upload", s.ID, err)
			opLogger.Error("photo upload failed", zap.Error(wrapped), zap.String("key", key))
			return nil, wrapped
		}
		uploaded = append(uploaded, key)
	}

	if err := w.dir.UpdateStudent(ctx, s.ClassID, s.USN, mean, true); err != nil {
		wrapped := logging.NewOperationError("wizard.update_student", s.ID, err)
		opLogger.Error("directory update failed", zap.Error(wrapped))
		return nil, wrapped
	}

	s.Reset()
	if err := w.sessions.Save(ctx, s); err != nil {
		opLogger.Warn("failed to reset session", zap.Error(err))
	}

	opLogger.Info("registration finalized",
		zap.String("class_id", s.ClassID), zap.String("usn", s.USN), zap.Int("uploads", len(uploaded)))
	return &FinalizeResult{State: w.stateOf(s), Uploaded: uploaded, Dimension: len(mean)}, nil
}

// Reset discards a session, e.g. when the user switches student or class.
func (w *Wizard) Reset(ctx context.Context, sessionID string) error {
	if err := w.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	logging.WithOperation(w.logger, "wizard.reset", sessionID).Info("session discarded")
	return nil
}

func (w *Wizard) load(ctx context.Context, sessionID string) (*session.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}
	s, err := w.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.CurrentStep > w.poses.Len() {
		return nil, logging.NewOperationError("wizard.load", sessionID,
			fmt.Errorf("session step %d exceeds %d poses", s.CurrentStep, w.poses.Len()))
	}
	return s, nil
}

func (w *Wizard) stateOf(s *session.Session) State {
	return State{
		SessionID:   s.ID,
		ClassID:     s.ClassID,
		USN:         s.USN,
		StudentName: s.StudentName,
		Step:        s.CurrentStep,
		Total:       w.poses.Len(),
		Pose:        w.poses.At(s.CurrentStep),
		Ready:       s.CurrentStep == w.poses.Len(),
	}
}
