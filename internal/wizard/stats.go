package wizard

import (
	"context"

	"github.com/example/facereg/internal/logging"
)

// StatsSummary reports registration progress for one class.
type StatsSummary struct {
	ClassID          string  `json:"class_id"`
	TotalStudents    int64   `json:"total_students"`
	Registered       int64   `json:"registered"`
	Pending          int64   `json:"pending"`
	RegistrationRate float64 `json:"registration_rate"`
}

// Stats aggregates how many students of a class have a stored face.
func (w *Wizard) Stats(ctx context.Context, class Class) (*StatsSummary, error) {
	if err := w.checkClass(class); err != nil {
		return nil, err
	}
	aggregation, err := w.dir.ClassStats(ctx, class.ID())
	if err != nil {
		return nil, logging.NewOperationError("wizard.stats", "", err)
	}
	if aggregation.Total == 0 {
		return nil, ErrNoRosterFound
	}

	summary := &StatsSummary{
		ClassID:       class.ID(),
		TotalStudents: aggregation.Total,
		Registered:    aggregation.Registered,
		Pending:       aggregation.Total - aggregation.Registered,
	}
	summary.RegistrationRate = float64(aggregation.Registered) / float64(aggregation.Total)
	return summary, nil
}
