package tasks

import (
	"context"

	"go.uber.org/zap"
)

// ScheduledTaskFunc is the signature of every scheduled task. The context
// is cancelled when the scheduler shuts down.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks returns every task keyed by the name used in the
// scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := map[string]ScheduledTaskFunc{
		"sql_maintenance": newSQLMaintenanceTask(deps),
		"role_reconcile":  newRoleReconcileTask(deps),
	}
	deps.Logger.Info("Initialized scheduled tasks", zap.Int("count", len(tasks)))
	return tasks
}
