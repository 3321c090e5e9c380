// Package decision defines the boundary to the external strategy module
// that proposes tasks from game state. The engine depends only on this
// interface, never on a concrete strategy implementation.
package decision

import (
	"context"
	"encoding/json"

	"github.com/harlowdev/questkeeper/internal/domain"
)

// ProposedTask is what a Module emits for the engine to enqueue. It mirrors
// domain.Task's constructor arguments rather than a full Task, since the
// decision module never assigns IDs, status, or timestamps.
type ProposedTask struct {
	Type         domain.TaskType
	Params       json.RawMessage
	Priority     int
	VillageID    string
	ScheduledFor int64 // unix millis, 0 = immediate
}

// QueueView is the read-only subset of taskqueue.Queue a Module needs to
// avoid proposing work of a type that is already queued (non-terminal). It
// carries no cooldown information.
type QueueView interface {
	HasTaskOfType(typ domain.TaskType, villageID string) bool
	HasAnyTaskOfType(typ domain.TaskType) bool
}

// Module is implemented by the external strategy component. Decide is
// called once per cycle in the Deciding state with the
// freshly scanned game state, the engine's merged configuration, and a
// read-only queue view so the module can avoid proposing duplicate work.
type Module interface {
	Decide(ctx context.Context, state domain.GameState, config json.RawMessage, queue QueueView) ([]ProposedTask, error)
}

// ModuleFunc adapts a plain function to Module, for tests and simple
// pluggable strategies.
type ModuleFunc func(ctx context.Context, state domain.GameState, config json.RawMessage, queue QueueView) ([]ProposedTask, error)

func (f ModuleFunc) Decide(ctx context.Context, state domain.GameState, config json.RawMessage, queue QueueView) ([]ProposedTask, error) {
	return f(ctx, state, config, queue)
}

// Noop is a Module that never proposes work; used as the default until an
// operator wires a real strategy.
var Noop Module = ModuleFunc(func(context.Context, domain.GameState, json.RawMessage, QueueView) ([]ProposedTask, error) {
	return nil, nil
})
