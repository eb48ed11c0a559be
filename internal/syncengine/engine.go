package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/paksync/internal/metrics"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

type Status int

const (
	StatusApplied Status = iota + 1
	StatusConflict
	// StatusUnknown means the store did not answer in time; the mutation
	// may or may not have happened and the caller should re-plan.
	StatusUnknown
	StatusUnavailable
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusConflict:
		return "conflict"
	case StatusUnknown:
		return "unknown"
	case StatusUnavailable:
		return "unavailable"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "invalid"
	}
}

// Outcome is the result of applying one action. Revision is the revision
// the store returned for a Create or Update. Document is set for a Fetch.
type Outcome struct {
	Action   SyncAction
	Status   Status
	Revision string
	Document *remotestore.Document
	Err      error
}

type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Metrics        *metrics.Metrics
}

// Engine applies planned actions against one store and keeps the ledger in
// step with what the store accepted.
type Engine struct {
	store   remotestore.Store
	ledger  *Ledger
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

func New(store remotestore.Store, ledger *Ledger, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		logger:  logger,
		tracer:  tp.Tracer("github.com/agentworkforce/paksync/internal/syncengine"),
		metrics: opts.Metrics,
	}
}

func (e *Engine) Store() remotestore.Store { return e.store }

func (e *Engine) Ledger() *Ledger { return e.ledger }

// Plan runs the planner against the current ledger snapshot.
func (e *Engine) Plan(ctx context.Context, local []LocalEntry, remote []RemoteRef) []SyncAction {
	_, span := e.tracer.Start(ctx, "syncengine.Plan")
	defer span.End()
	actions := Plan(local, remote, e.ledger.Snapshot())
	span.SetAttributes(
		attribute.Int("local.count", len(local)),
		attribute.Int("remote.count", len(remote)),
		attribute.Int("actions.count", len(actions)),
	)
	return actions
}

// Apply executes one action. Conflict actions are never sent to the store;
// they come back as Conflict outcomes until a resolver rewrites them.
func (e *Engine) Apply(ctx context.Context, action SyncAction) Outcome {
	ctx, span := e.tracer.Start(ctx, "syncengine.Apply", trace.WithAttributes(
		attribute.String("action.kind", action.Kind.String()),
		attribute.String("document.id", action.ID),
	))
	defer span.End()

	out := e.apply(ctx, action)
	span.SetAttributes(attribute.String("outcome.status", out.Status.String()))
	if out.Err != nil && out.Status != StatusConflict {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	e.metrics.ObserveOutcome(action.Kind.String(), out.Status.String())
	level := slog.LevelDebug
	if out.Status != StatusApplied {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "sync action", "kind", action.Kind.String(), "id", action.ID, "status", out.Status.String(), "error", out.Err)
	return out
}

func (e *Engine) apply(ctx context.Context, action SyncAction) Outcome {
	out := Outcome{Action: action}
	if err := ctx.Err(); err != nil {
		out.Status, out.Err = StatusSkipped, err
		return out
	}
	switch action.Kind {
	case KindCreate, KindUpdate:
		if action.Local == nil {
			out.Status, out.Err = StatusFailed, errors.New("action has no local slot")
			return out
		}
		base := action.BaseRevision
		if action.Kind == KindCreate {
			base = ""
		}
		payload := action.Local.Slot.Payload
		rev, err := e.store.Put(ctx, action.ID, DocumentFromSlot(action.Local.Slot), base)
		if err != nil {
			return classify(out, err)
		}
		out.Revision = rev
		if err := e.ledger.Record(action.ID, rev, payload); err != nil {
			out.Status, out.Err = StatusFailed, err
			return out
		}
	case KindDelete:
		err := e.store.Delete(ctx, action.ID, action.BaseRevision)
		if errors.Is(err, remotestore.ErrNotFound) {
			err = &remotestore.ConflictError{ID: action.ID, ExpectedRevision: action.BaseRevision}
		}
		if err != nil {
			return classify(out, err)
		}
		if err := e.ledger.Forget(action.ID); err != nil {
			out.Status, out.Err = StatusFailed, err
			return out
		}
	case KindFetch:
		doc, err := e.store.Get(ctx, action.ID)
		if errors.Is(err, remotestore.ErrNotFound) {
			err = &remotestore.ConflictError{ID: action.ID, ExpectedRevision: action.RemoteRevision}
		}
		if err != nil {
			return classify(out, err)
		}
		out.Revision = doc.Revision
		out.Document = &doc
	case KindForget:
		if err := e.ledger.Forget(action.ID); err != nil {
			out.Status, out.Err = StatusFailed, err
			return out
		}
	case KindConflict:
		out.Status = StatusConflict
		out.Err = &remotestore.ConflictError{ID: action.ID, ExpectedRevision: action.BaseRevision, CurrentRevision: action.RemoteRevision}
		return out
	default:
		out.Status, out.Err = StatusFailed, errors.New("unknown action kind")
		return out
	}
	out.Status = StatusApplied
	return out
}

func classify(out Outcome, err error) Outcome {
	out.Err = err
	switch {
	case errors.Is(err, remotestore.ErrConflict):
		out.Status = StatusConflict
	case errors.Is(err, remotestore.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		out.Status = StatusUnknown
	case errors.Is(err, context.Canceled):
		out.Status = StatusSkipped
	case errors.Is(err, remotestore.ErrUnavailable):
		out.Status = StatusUnavailable
	default:
		out.Status = StatusFailed
	}
	return out
}

// ConfirmFetched records a fetched document once the caller has written it
// into the local image. payload must be the bytes as stored locally.
func (e *Engine) ConfirmFetched(id, revision string, payload []byte) error {
	return e.ledger.Record(id, revision, payload)
}

// ApplyAll applies actions concurrently, at most concurrency at a time.
// Actions not started before ctx ends come back Skipped. Nothing already
// applied is rolled back. Outcomes are in action order.
func (e *Engine) ApplyAll(ctx context.Context, actions []SyncAction, concurrency int) []Outcome {
	ctx, span := e.tracer.Start(ctx, "syncengine.ApplyAll", trace.WithAttributes(attribute.Int("actions.count", len(actions))))
	defer span.End()
	if concurrency <= 0 {
		concurrency = 4
	}
	outcomes := make([]Outcome, len(actions))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, action := range actions {
		i, action := i, action
		if ctx.Err() != nil {
			outcomes[i] = Outcome{Action: action, Status: StatusSkipped, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			outcomes[i] = e.Apply(ctx, action)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Summary counts outcomes by status.
func Summary(outcomes []Outcome) map[Status]int {
	out := map[Status]int{}
	for _, o := range outcomes {
		out[o.Status]++
	}
	return out
}
