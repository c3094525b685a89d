package wizard

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/quality"
	"github.com/example/facereg/internal/repository"
	"github.com/example/facereg/internal/session"
)

type stubDirectory struct {
	mu       sync.Mutex
	students map[string][]repository.Student
	updates  []studentUpdate
	err      error
}

type studentUpdate struct {
	classID        string
	usn            string
	embedding      []float32
	faceRegistered bool
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{students: map[string][]repository.Student{
		"CSE_2024_A": {
			{ClassID: "CSE_2024_A", USN: "USN01", Name: "Asha"},
			{ClassID: "CSE_2024_A", USN: "USN02", Name: "Ravi", FaceRegistered: true},
		},
	}}
}

func (d *stubDirectory) ListStudents(ctx context.Context, classID string) ([]repository.Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]repository.Student(nil), d.students[classID]...), nil
}

func (d *stubDirectory) GetStudent(ctx context.Context, classID, usn string) (*repository.Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.students[classID] {
		if s.USN == usn {
			student := s
			return &student, nil
		}
	}
	return nil, repository.ErrStudentNotFound
}

func (d *stubDirectory) UpdateStudent(ctx context.Context, classID, usn string, emb []float32, faceRegistered bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.students[classID] {
		if s.USN == usn {
			d.students[classID][i].FaceRegistered = faceRegistered
			d.updates = append(d.updates, studentUpdate{classID, usn, emb, faceRegistered})
			return nil
		}
	}
	return repository.ErrStudentNotFound
}

func (d *stubDirectory) ClassStats(ctx context.Context, classID string) (*repository.ClassStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := &repository.ClassStats{ClassID: classID}
	for _, s := range d.students[classID] {
		stats.Total++
		if s.FaceRegistered {
			stats.Registered++
		}
	}
	return stats, nil
}

// stubEmbedder returns one face per call whose values grow with the call count.
type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	faces int
}

func (e *stubEmbedder) DetectAndEmbed(ctx context.Context, image []byte) ([]embedding.Vector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	n := e.faces
	if n == 0 {
		n = 1
	}
	out := make([]embedding.Vector, n)
	for i := range out {
		out[i] = embedding.Vector{float32(e.calls), float32(10 * e.calls)}
	}
	return out, nil
}

type upload struct {
	key      string
	mimeType string
	size     int
}

type stubBlobs struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (b *stubBlobs) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.uploads = append(b.uploads, upload{key: key, mimeType: mimeType, size: len(data)})
	return nil
}

type fixture struct {
	wizard   *Wizard
	dir      *stubDirectory
	embedder *stubEmbedder
	blobs    *stubBlobs
	sessions *session.MemoryStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		dir:      newStubDirectory(),
		embedder: &stubEmbedder{},
		blobs:    &stubBlobs{},
		sessions: session.NewMemoryStore(time.Hour),
	}
	if opts.Departments == nil {
		opts.Departments = []string{"CSE", "ISE", "AI/ML"}
	}
	gate := quality.NewGate(quality.Thresholds{})
	f.wizard = New(f.dir, f.sessions, f.embedder, f.blobs, gate, opts, zap.NewNop())
	return f
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// sharpFrame passes the default quality gate: brightness 150, sharpness 160000.
func sharpFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(100)
			if (x+y)%2 == 0 {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return encodePNG(t, img)
}

func darkFrame(t *testing.T) []byte {
	t.Helper()
	return encodePNG(t, image.NewGray(image.Rect(0, 0, 64, 64)))
}

var classA = Class{Department: "CSE", Batch: "2024", Section: "A"}

func TestRegistrationEndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	assert.Equal(t, "CSE_2024_A", state.ClassID)
	assert.Equal(t, "Asha", state.StudentName)
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, "Front", state.Pose)
	assert.False(t, state.Ready)

	for i, pose := range DefaultPoses {
		res, err := f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
		require.NoError(t, err, "pose %s", pose)
		assert.Equal(t, pose, res.Accepted)
		assert.Equal(t, i+1, res.Step)
	}

	ready, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.True(t, ready.Ready)
	assert.Empty(t, ready.Pose)

	result, err := f.wizard.Finalize(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"faces/CSE_2024_A/USN01_Front.jpg",
		"faces/CSE_2024_A/USN01_Left.jpg",
		"faces/CSE_2024_A/USN01_Right.jpg",
		"faces/CSE_2024_A/USN01_Up.jpg",
		"faces/CSE_2024_A/USN01_Down.jpg",
	}, result.Uploaded)
	assert.Equal(t, 2, result.Dimension)
	assert.Equal(t, 0, result.Step)
	assert.Equal(t, "Front", result.Pose)

	require.Len(t, f.blobs.uploads, 5)
	for _, u := range f.blobs.uploads {
		assert.Equal(t, "image/jpeg", u.mimeType)
		assert.Positive(t, u.size)
	}

	require.Len(t, f.dir.updates, 1)
	update := f.dir.updates[0]
	assert.Equal(t, "CSE_2024_A", update.classID)
	assert.Equal(t, "USN01", update.usn)
	assert.True(t, update.faceRegistered)
	assert.InDeltaSlice(t, []float32{3, 30}, update.embedding, 1e-6)

	_, err = f.wizard.Begin(ctx, classA, "USN01")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestBeginValidatesSelection(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name  string
		class Class
		usn   string
		want  error
	}{
		{"missing section", Class{Department: "CSE", Batch: "2024"}, "USN01", ErrInputIncomplete},
		{"missing usn", classA, "  ", ErrInputIncomplete},
		{"unknown department", Class{Department: "EEE", Batch: "2024", Section: "A"}, "USN01", ErrUnknownDepartment},
		{"empty roster", Class{Department: "ISE", Batch: "2024", Section: "B"}, "USN01", ErrNoRosterFound},
		{"not on roster", classA, "USN99", ErrStudentNotFound},
		{"already registered", classA, "USN02", ErrAlreadyRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wizard.Begin(ctx, tt.class, tt.usn)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.sessions.Len())
}

func TestBeginNormalizesSection(t *testing.T) {
	f := newFixture(t, Options{})

	state, err := f.wizard.Begin(context.Background(), Class{Department: " CSE ", Batch: "2024", Section: "a"}, "USN01")
	require.NoError(t, err)
	assert.Equal(t, "CSE_2024_A", state.ClassID)
}

func TestCaptureQualityRejectionKeepsStep(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	_, err = f.wizard.Capture(ctx, state.SessionID, darkFrame(t))
	var rejected *quality.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, quality.ReasonLowLight, rejected.Reason)
	assert.Zero(t, f.embedder.calls)

	current, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.Step)
	assert.Equal(t, "Front", current.Pose)
}

func TestCaptureRejectsMultipleFaces(t *testing.T) {
	f := newFixture(t, Options{})
	f.embedder.faces = 2
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	assert.ErrorIs(t, err, ErrNoUsableFace)

	current, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.Step)
}

func TestCaptureRejectsUndecodableFrame(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	_, err = f.wizard.Capture(ctx, state.SessionID, []byte("not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestCaptureRejectsOversizedFrameBeforeDecoding(t *testing.T) {
	f := newFixture(t, Options{MaxFramePixels: 64 * 63})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.ErrorContains(t, err, "pixel limit")
	assert.Zero(t, f.embedder.calls)

	current, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.Step)
}

func TestCaptureUnknownSession(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.wizard.Capture(context.Background(), "missing", sharpFrame(t))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.wizard.Finalize(context.Background(), "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSequenceOrdering(t *testing.T) {
	f := newFixture(t, Options{Poses: []string{"Front", "Left"}})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Total)

	_, err = f.wizard.Finalize(ctx, state.SessionID)
	assert.ErrorIs(t, err, ErrNotReady)

	for i := 0; i < 2; i++ {
		_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
		require.NoError(t, err)
	}

	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	assert.ErrorIs(t, err, ErrSequenceComplete)
	assert.Equal(t, 2, f.embedder.calls)
}

func TestFinalizeUploadFailureIsRetryable(t *testing.T) {
	f := newFixture(t, Options{Poses: []string{"Front"}})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	require.NoError(t, err)

	f.blobs.err = errors.New("storage offline")
	_, err = f.wizard.Finalize(ctx, state.SessionID)
	require.Error(t, err)
	assert.Empty(t, f.dir.updates)

	current, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.True(t, current.Ready)

	f.blobs.err = nil
	result, err := f.wizard.Finalize(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"faces/CSE_2024_A/USN01_Front.jpg"}, result.Uploaded)
	assert.Len(t, f.dir.updates, 1)
}

func TestFinalizeRechecksRegistrationFlag(t *testing.T) {
	f := newFixture(t, Options{Poses: []string{"Front"}})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	require.NoError(t, err)

	require.NoError(t, f.dir.UpdateStudent(ctx, "CSE_2024_A", "USN01", []float32{1}, true))

	_, err = f.wizard.Finalize(ctx, state.SessionID)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Empty(t, f.blobs.uploads)
}

func TestDuplicatePoseRejectedWhenEnabled(t *testing.T) {
	f := newFixture(t, Options{RejectDuplicatePoses: true})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	frame := sharpFrame(t)
	_, err = f.wizard.Capture(ctx, state.SessionID, frame)
	require.NoError(t, err)

	_, err = f.wizard.Capture(ctx, state.SessionID, frame)
	assert.ErrorIs(t, err, ErrDuplicatePose)

	current, err := f.wizard.State(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Step)
	assert.Equal(t, "Left", current.Pose)
}

func TestDuplicatePoseAllowedByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)

	frame := sharpFrame(t)
	for i := 0; i < 2; i++ {
		_, err = f.wizard.Capture(ctx, state.SessionID, frame)
		require.NoError(t, err)
	}
}

func TestResetDiscardsSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	state, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	_, err = f.wizard.Capture(ctx, state.SessionID, sharpFrame(t))
	require.NoError(t, err)

	require.NoError(t, f.wizard.Reset(ctx, state.SessionID))

	_, err = f.wizard.State(ctx, state.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	fresh, err := f.wizard.Begin(ctx, classA, "USN01")
	require.NoError(t, err)
	assert.NotEqual(t, state.SessionID, fresh.SessionID)
	assert.Equal(t, 0, fresh.Step)
}

func TestRosterAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	roster, err := f.wizard.Roster(ctx, classA)
	require.NoError(t, err)
	assert.Equal(t, []RosterEntry{
		{USN: "USN01", Name: "Asha"},
		{USN: "USN02", Name: "Ravi", FaceRegistered: true},
	}, roster)

	stats, err := f.wizard.Stats(ctx, classA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalStudents)
	assert.Equal(t, int64(1), stats.Registered)
	assert.Equal(t, int64(1), stats.Pending)
	assert.InDelta(t, 0.5, stats.RegistrationRate, 1e-9)

	_, err = f.wizard.Stats(ctx, Class{Department: "ISE", Batch: "2024", Section: "B"})
	assert.ErrorIs(t, err, ErrNoRosterFound)
}

func TestRosterDirectoryFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.dir.err = errors.New("connection refused")

	_, err := f.wizard.Roster(context.Background(), classA)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRosterFound)
}

func TestClassID(t *testing.T) {
	assert.Equal(t, "CSE_2024_A", classA.ID())
	assert.Equal(t, "AI-ML_2023_B", Class{Department: "AI/ML", Batch: "2023", Section: "b"}.ID())
	assert.False(t, Class{Department: "CSE", Section: "A"}.Complete())
}
