package executor

import (
	"context"

	"github.com/mdzesseis/knhkd/internal/kerntypes"
)

// TaskHandler executes a task's simulation; the executor delegates all
// external side effects to it and only interprets its returned variable
// bindings and error.
type TaskHandler func(ctx context.Context, c *kerntypes.Case, t *kerntypes.Task) (map[string]kerntypes.Value, error)

// NoopHandler is the default handler for tasks with no registered kind:
// it performs no side effect and returns no new bindings. Real
// deployments always register a handler per task.Kind; this exists so a
// spec can be exercised (and tested) before every kind has a handler.
func NoopHandler(ctx context.Context, c *kerntypes.Case, t *kerntypes.Task) (map[string]kerntypes.Value, error) {
	return nil, nil
}
