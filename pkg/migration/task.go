package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid"
	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/util"
)

// Phase is a task's position in the migration sequence.
type Phase string

const (
	PhaseAccepted      Phase = "Accepted"
	PhasePreMigrating  Phase = "PreMigrating"
	PhaseMigrating     Phase = "Migrating"
	PhasePostMigrating Phase = "PostMigrating"
	PhaseCompleted     Phase = "Completed"
	PhaseError         Phase = "Error"
)

// Result is the overall outcome of one migration task. Success false with a
// nil error means the migration was cancelled and the source kept running.
type Result struct {
	Success bool
	// Status is the source's last reported migration status, when available.
	Status *api.MigrationStatus
}

// Outcome is what Execute ultimately produced, delivered once over Done.
type Outcome struct {
	Result *Result
	Err    error
}

// Task drives one migration across a source and a destination host. It
// sequences the phase handlers and owns the cross-host recovery decisions;
// each handler's own rollback is host-local.
type Task struct {
	ID     string
	params api.MigrationParams
	source NodeProxy
	dest   NodeProxy
	logger *zap.Logger

	doneSend util.SignalSender[Outcome]
	doneRecv util.SignalReceiver[Outcome]

	mu       sync.Mutex
	phase    Phase
	prepared *api.PrepareResult
	outcome  *Outcome
}

func NewTask(logger *zap.Logger, params api.MigrationParams, source, dest NodeProxy) *Task {
	id := shortuuid.New()
	doneSend, doneRecv := util.NewSingleSignalPair[Outcome]()
	return &Task{
		ID:       id,
		params:   params,
		source:   source,
		dest:     dest,
		logger:   logger.Named("task").With(zap.String("taskID", id), zap.String("instance", params.InstanceID)),
		doneSend: doneSend,
		doneRecv: doneRecv,
		phase:    PhaseAccepted,
	}
}

// Done is signalled exactly once, when Execute returns.
func (t *Task) Done() <-chan Outcome {
	return t.doneRecv.Recv()
}

// Outcome returns the final outcome, or ok=false while the task is still
// running.
func (t *Task) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == nil {
		return Outcome{Result: nil, Err: nil}, false
	}
	return *t.outcome, true
}

// finish records the outcome and signals Done.
func (t *Task) finish(result *Result, err error) {
	out := Outcome{Result: result, Err: err}
	t.mu.Lock()
	t.outcome = &out
	t.mu.Unlock()
	t.doneSend.Send(out)
}

func (t *Task) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Prepared returns the destination's prepare result once the task has
// passed the PreMigrating phase, nil before that.
func (t *Task) Prepared() *api.PrepareResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepared
}

func (t *Task) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
	t.logger.Info("phase transition", zap.String("phase", string(p)))
}

// Execute runs the migration to a terminal phase. It is not restartable:
// a task that returned is done.
func (t *Task) Execute(ctx context.Context) (*Result, error) {
	if phase := t.Phase(); phase != PhaseAccepted {
		return nil, fmt.Errorf("task already executed (phase %s)", phase)
	}
	result, err := t.run(ctx)
	t.finish(result, err)
	return result, err
}

func (t *Task) run(ctx context.Context) (*Result, error) {
	t.setPhase(PhasePreMigrating)
	prepared, err := t.dest.Prepare(ctx, t.params)
	if err != nil {
		t.setPhase(PhaseError)
		return nil, fmt.Errorf("preparing destination: %w", err)
	}
	t.mu.Lock()
	t.prepared = prepared
	t.mu.Unlock()

	t.setPhase(PhaseMigrating)
	perform, err := t.source.Perform(ctx, t.params, *prepared)
	if err != nil {
		// The destination still holds a half-prepared instance; tell it the
		// migration failed so it tears down.
		if _, ferr := t.dest.Finish(ctx, t.params, api.PerformResult{Success: false}); ferr != nil {
			t.logger.Warn("tearing down destination after failed perform", zap.Error(ferr))
		}
		t.setPhase(PhaseError)
		return nil, fmt.Errorf("performing migration: %w", err)
	}

	t.setPhase(PhasePostMigrating)
	finish, err := t.dest.Finish(ctx, t.params, *perform)
	if err != nil {
		// Destination finish is unreachable or broken; recover the source as
		// if the migration failed.
		if cerr := t.source.Confirm(ctx, t.params, api.FinishResult{Success: false}); cerr != nil {
			t.logger.Warn("recovering source after failed finish", zap.Error(cerr))
		}
		t.setPhase(PhaseError)
		return nil, fmt.Errorf("finishing on destination: %w", err)
	}

	if err := t.source.Confirm(ctx, t.params, *finish); err != nil {
		t.setPhase(PhaseError)
		return nil, fmt.Errorf("confirming on source: %w", err)
	}

	t.setPhase(PhaseCompleted)
	return &Result{
		Success: perform.Success && finish.Success,
		Status:  perform.Status,
	}, nil
}

// Cancel asks the source to abort the in-flight migration. Only meaningful
// while the task is in the Migrating phase; the perform poll loop observes
// the cancelled status and unwinds from there.
func (t *Task) Cancel(ctx context.Context, timeout time.Duration) (bool, error) {
	if phase := t.Phase(); phase != PhaseMigrating {
		return false, fmt.Errorf("cannot cancel task in phase %s", phase)
	}
	return t.source.Cancel(ctx, t.params, timeout)
}

// Resume releases a migration paused at the pre-switchover milestone.
func (t *Task) Resume(ctx context.Context) error {
	if phase := t.Phase(); phase != PhaseMigrating {
		return fmt.Errorf("cannot resume task in phase %s", phase)
	}
	return t.source.Resume(ctx, t.params)
}
