package scheduler

import (
	"context"
	"log/slog"
)

// OrphanRecoverer adopts instances left running by a stopped process.
// Satisfied by *engine.Engine.
type OrphanRecoverer interface {
	RecoverOrphans(ctx context.Context) (int, error)
}

// RecoveryJob returns a job that resumes orphaned instances and logs how
// many it adopted.
func RecoveryJob(r OrphanRecoverer, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		n, err := r.RecoverOrphans(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("recovered orphaned instances", "count", n)
		}
		return nil
	}
}

// Vacuumer compacts a store.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// VacuumJob returns a job that compacts v.
func VacuumJob(v Vacuumer) JobFunc {
	return v.Vacuum
}
