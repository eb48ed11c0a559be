package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentworkforce/paksync/internal/media"
	"github.com/agentworkforce/paksync/internal/metrics"
	"github.com/agentworkforce/paksync/internal/remotestore"
)

// Local is the open image a sync pass works on. BeginSync pauses local
// edits; ApplyFetched is the only mutation made while paused.
type Local interface {
	BeginSync() (func(), error)
	Slots() ([]media.SaveSlot, error)
	ApplyFetched(key string, slot media.SaveSlot) (media.SaveSlot, error)
}

type SyncerOptions struct {
	Resolver    *Resolver
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Syncer runs whole passes: plan, resolve, apply, then write fetched
// documents back into the image.
type Syncer struct {
	engine      *Engine
	local       Local
	resolver    *Resolver
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Report describes one pass. Conflicts lists what is still unresolved.
// Fetched holds documents written into the image that the ledger has not
// recorded yet; Commit records them once the image is on disk.
type Report struct {
	Actions   []SyncAction
	Outcomes  []Outcome
	Conflicts []SyncAction
	Fetched   []FetchedSlot
}

// FetchedSlot is a remote document stored in the image under ID. Payload is
// the slot as stored locally.
type FetchedSlot struct {
	ID       string
	Revision string
	Payload  []byte
}

// Changed reports whether the pass wrote anything into the local image.
func (r Report) Changed() bool {
	return len(r.Fetched) > 0
}

func NewSyncer(engine *Engine, local Local, opts SyncerOptions) (*Syncer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if local == nil {
		return nil, fmt.Errorf("local image is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{
		engine:      engine,
		local:       local,
		resolver:    opts.Resolver,
		concurrency: opts.Concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

func (s *Syncer) SyncOnce(ctx context.Context) (report Report, err error) {
	start := time.Now()
	defer func() { s.metrics.ObservePass(start, err) }()

	release, err := s.local.BeginSync()
	if err != nil {
		return Report{}, err
	}
	defer release()

	slots, err := s.local.Slots()
	if err != nil {
		return Report{}, err
	}
	refs, err := s.engine.Store().List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list remote documents: %w", err)
	}
	planned := s.engine.Plan(ctx, LocalEntries(slots), refs)
	report.Actions = planned

	runnable := make([]SyncAction, 0, len(planned))
	for _, a := range planned {
		if a.Kind != KindConflict {
			runnable = append(runnable, a)
			continue
		}
		resolved, ok := s.resolve(ctx, a)
		if !ok {
			report.Conflicts = append(report.Conflicts, a)
			continue
		}
		runnable = append(runnable, resolved)
	}

	report.Outcomes = s.engine.ApplyAll(ctx, runnable, s.concurrency)
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		switch {
		case o.Status == StatusConflict:
			report.Conflicts = append(report.Conflicts, o.Action)
		case o.Status == StatusApplied && o.Action.Kind == KindFetch:
			fetched, ferr := s.applyFetched(*o)
			if ferr != nil {
				o.Status, o.Err = StatusFailed, ferr
				continue
			}
			report.Fetched = append(report.Fetched, fetched)
		}
	}
	s.logger.Info("sync pass finished",
		"actions", len(report.Actions),
		"conflicts", len(report.Conflicts),
		"elapsed", time.Since(start),
	)
	return report, nil
}

func (s *Syncer) resolve(ctx context.Context, conflict SyncAction) (SyncAction, bool) {
	if s.resolver == nil {
		return conflict, false
	}
	var remote *remotestore.Document
	if conflict.RemoteRevision != "" {
		doc, err := s.engine.Store().Get(ctx, conflict.ID)
		switch {
		case err == nil:
			remote = &doc
		case errors.Is(err, remotestore.ErrNotFound):
		default:
			s.logger.Warn("conflict left unresolved", "id", conflict.ID, "error", err)
			return conflict, false
		}
	}
	resolved, err := s.resolver.Resolve(conflict, remote)
	if err != nil {
		s.logger.Warn("conflict policy failed", "id", conflict.ID, "error", err)
		return conflict, false
	}
	if resolved.Kind == KindConflict {
		return conflict, false
	}
	s.logger.Info("conflict resolved", "id", conflict.ID, "reason", conflict.Reason, "action", resolved.Kind.String())
	return resolved, true
}

func (s *Syncer) applyFetched(o Outcome) (FetchedSlot, error) {
	slot, err := SlotFromDocument(*o.Document)
	if err != nil {
		return FetchedSlot{}, err
	}
	stored, err := s.local.ApplyFetched(o.Action.ID, slot)
	if err != nil {
		return FetchedSlot{}, fmt.Errorf("apply fetched %s: %w", o.Action.ID, err)
	}
	// A slot that lands under another key is not recorded, so the next
	// pass plans it again instead of deleting the remote copy.
	if key := stored.Key(); key != media.BaseKey(o.Action.ID) {
		return FetchedSlot{}, fmt.Errorf("fetched %s was stored as %s", o.Action.ID, key)
	}
	return FetchedSlot{ID: o.Action.ID, Revision: o.Document.Revision, Payload: stored.Payload}, nil
}

// Commit records the fetched slots of report in the ledger. Call it only
// after the image holding them has been saved.
func (s *Syncer) Commit(report Report) error {
	var errs []error
	for _, f := range report.Fetched {
		if err := s.engine.ConfirmFetched(f.ID, f.Revision, f.Payload); err != nil {
			errs = append(errs, fmt.Errorf("record fetched %s: %w", f.ID, err))
		}
	}
	return errors.Join(errs...)
}
