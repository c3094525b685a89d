package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/facereg/internal/retry"
)

// ErrStudentNotFound is returned when a USN is not on the class roster.
var ErrStudentNotFound = errors.New("student not found")

// Student is one roster entry. ClassID and USN together form the key.
type Student struct {
	ClassID        string           `gorm:"column:class_id;primaryKey;size:64"`
	USN            string           `gorm:"column:usn;primaryKey;size:32"`
	Name           string           `gorm:"column:name;size:255;not null"`
	FaceRegistered bool             `gorm:"column:face_registered;not null;default:false"`
	Embedding      *pgvector.Vector `gorm:"column:embedding;type:vector"`
	RegisteredAt   *time.Time       `gorm:"column:registered_at"`
	CreatedAt      time.Time        `gorm:"column:created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Student) TableName() string {
	return "students"
}

// EmbeddingSlice returns the stored embedding or nil.
func (s *Student) EmbeddingSlice() []float32 {
	if s.Embedding == nil {
		return nil
	}
	return s.Embedding.Slice()
}

// RosterEntry is one row of an imported roster.
type RosterEntry struct {
	USN  string
	Name string
}

// ClassStats summarises registration progress for one class.
type ClassStats struct {
	ClassID    string `json:"class_id"`
	Total      int64  `json:"total"`
	Registered int64  `json:"registered"`
}

// StudentRepository provides the student directory on PostgreSQL.
type StudentRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStudentRepository creates a new repository instance.
func NewStudentRepository(db *gorm.DB, logger *zap.Logger) *StudentRepository {
	policy := retry.DefaultPolicy()
	return &StudentRepository{
		db:             db,
		logger:         logger.Named("student_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate enables pgvector and ensures the schema is available.
func (r *StudentRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).AutoMigrate(&Student{})
}

// ListStudents returns the roster of a class ordered by USN.
func (r *StudentRepository) ListStudents(ctx context.Context, classID string) ([]Student, error) {
	var students []Student
	err := r.executeWithRetry(ctx, "repository.list_students", classID, func() error {
		return r.db.WithContext(ctx).
			Select("class_id", "usn", "name", "face_registered", "registered_at").
			Where("class_id = ?", classID).
			Order("usn").
			Find(&students).Error
	})
	if err != nil {
		return nil, err
	}
	return students, nil
}

// GetStudent loads one student including the stored embedding.
func (r *StudentRepository) GetStudent(ctx context.Context, classID, usn string) (*Student, error) {
	var student Student
	err := r.executeWithRetry(ctx, "repository.get_student", classID, func() error {
		return r.db.WithContext(ctx).First(&student, "class_id = ? AND usn = ?", classID, usn).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &student, nil
}

// UpdateStudent writes the embedding and registration flag of one student.
func (r *StudentRepository) UpdateStudent(ctx context.Context, classID, usn string, embedding []float32, faceRegistered bool) error {
	updates := map[string]interface{}{
		"face_registered": faceRegistered,
		"updated_at":      time.Now().UTC(),
	}
	if embedding != nil {
		updates["embedding"] = pgvector.NewVector(embedding)
	} else {
		updates["embedding"] = gorm.Expr("NULL")
	}
	if faceRegistered {
		updates["registered_at"] = time.Now().UTC()
	} else {
		updates["registered_at"] = gorm.Expr("NULL")
	}

	var affected int64
	err := r.executeWithRetry(ctx, "repository.update_student", classID, func() error {
		res := r.db.WithContext(ctx).Model(&Student{}).
			Where("class_id = ? AND usn = ?", classID, usn).
			Updates(updates)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// ResetRegistration clears the stored embedding so the student can register again.
func (r *StudentRepository) ResetRegistration(ctx context.Context, classID, usn string) error {
	return r.UpdateStudent(ctx, classID, usn, nil, false)
}

// UpsertStudents inserts roster entries and refreshes names of existing ones.
// Registration state of existing students is left untouched.
func (r *StudentRepository) UpsertStudents(ctx context.Context, classID string, entries []RosterEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([]Student, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, Student{ClassID: classID, USN: e.USN, Name: e.Name})
	}

	var affected int64
	err := r.executeWithRetry(ctx, "repository.upsert_students", classID, func() error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "class_id"}, {Name: "usn"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(&rows)
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ClassStats counts total and registered students of a class.
func (r *StudentRepository) ClassStats(ctx context.Context, classID string) (*ClassStats, error) {
	stats := &ClassStats{ClassID: classID}
	err := r.executeWithRetry(ctx, "repository.class_stats", classID, func() error {
		return r.db.WithContext(ctx).Model(&Student{}).
			Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN face_registered THEN 1 ELSE 0 END), 0) AS registered").
			Where("class_id = ?", classID).
			Scan(stats).Error
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *StudentRepository) executeWithRetry(ctx context.Context, operation, classID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger.With(zap.String("class_id", classID)), policy, operation, "", fn)
}
