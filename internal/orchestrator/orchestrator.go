// Package orchestrator drives one scraping run: it picks the due sources,
// extracts every requested kind from them, deduplicates, stages the result,
// and moves the run through running → processing → completed or failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/stagegate/internal/extract"
	"github.com/sells-group/stagegate/internal/lock"
	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/normalize"
	"github.com/sells-group/stagegate/internal/staging"
	"github.com/sells-group/stagegate/internal/store"
)

var (
	// ErrInvalidRequest is returned for a malformed run request.
	ErrInvalidRequest = eris.New("orchestrator: invalid request")
	// ErrRunNotFound is returned when the requested run id does not exist.
	ErrRunNotFound = eris.New("orchestrator: run not found")
	// ErrRunNotRunning is returned when the requested run is not in the running state.
	ErrRunNotRunning = eris.New("orchestrator: run is not running")
)

const (
	DefaultMaxConcurrentSources = 4
	DefaultSourceTimeout        = 10 * time.Minute
	DefaultLockName             = "stagegate:run"

	// finalizeTimeout bounds the terminal run update, which must happen even
	// after the run context is gone.
	finalizeTimeout = 10 * time.Second
)

// Extractor pulls records for one kind from one source.
type Extractor interface {
	Extract(ctx context.Context, src model.DataSource, kind model.Kind) extract.Result
}

// Stager writes extracted records into staging.
type Stager interface {
	Write(ctx context.Context, kind model.Kind, records []extract.Extracted) staging.Report
}

// Config tunes the run.
type Config struct {
	MaxConcurrentSources int
	SourceTimeout        time.Duration
	LockName             string
}

// Request starts or resumes a run. Kind is one entity kind, or "" / "all"
// for every kind. RunID, when set, names a run already created in the
// running state.
type Request struct {
	RunID       string `json:"runId,omitempty"`
	Kind        string `json:"type"`
	ForceUpdate bool   `json:"forceUpdate"`
}

// KindReport summarises one kind of a run.
type KindReport struct {
	Kind        model.Kind     `json:"kind"`
	Sources     int            `json:"sources"`
	Found       int            `json:"found"`
	Deduped     int            `json:"deduped"`
	Staged      int            `json:"staged"`
	StageFailed int            `json:"stage_failed"`
	Skips       []extract.Skip `json:"skips,omitempty"`
}

// Outcome is the result of a successful run.
type Outcome struct {
	RunID       string                     `json:"runId"`
	Counts      map[model.Kind]int         `json:"counts"`
	Reports     map[model.Kind]*KindReport `json:"reports"`
	SourceCount int                        `json:"sourceCount"`
}

// Orchestrator runs the pipeline. It is safe for concurrent use, but the
// locker admits one run at a time.
type Orchestrator struct {
	store   store.Store
	extract Extractor
	stage   Stager
	locker  lock.Locker
	cfg     Config
	now     func() time.Time
}

// New builds an orchestrator. A nil locker means no cross-run guard.
func New(s store.Store, ex Extractor, st Stager, locker lock.Locker, cfg Config) *Orchestrator {
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = DefaultMaxConcurrentSources
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Orchestrator{
		store:   s,
		extract: ex,
		stage:   st,
		locker:  locker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ParseKinds resolves a request's kind selector.
func ParseKinds(s string) ([]model.Kind, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return model.AllKinds(), nil
	}
	k, err := model.ParseKind(s)
	if err != nil {
		return nil, eris.Wrap(ErrInvalidRequest, err.Error())
	}
	return []model.Kind{k}, nil
}

// Run executes one pipeline run. Once the run row exists, any failure,
// panic, or cancellation marks it failed before Run returns; the returned
// outcome then carries only the run id. A caller-supplied run that is
// rejected for a bad kind or a held lock is marked failed too.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	kinds, err := ParseKinds(req.Kind)
	if err != nil {
		o.reject(ctx, req.RunID, err)
		return nil, err
	}

	release, err := o.locker.Acquire(ctx, o.cfg.LockName)
	if err != nil {
		err = eris.Wrap(err, "orchestrator: acquire run lock")
		o.reject(ctx, req.RunID, err)
		return nil, err
	}
	defer release()

	run, err := o.openRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("run_id", run.ID))
	log.Info("run started",
		zap.Strings("kinds", kindNames(kinds)),
		zap.Bool("force", req.ForceUpdate),
	)

	out, err := o.execute(ctx, run.ID, kinds, req.ForceUpdate, log)
	if err != nil {
		msg := failureMessage(ctx, err)
		o.fail(ctx, run.ID, msg, log)
		return &Outcome{RunID: run.ID}, eris.Wrapf(err, "orchestrator: run %s failed", run.ID)
	}

	log.Info("run completed",
		zap.Int("sources", out.SourceCount),
		zap.Any("counts", out.Counts),
	)
	return out, nil
}

func (o *Orchestrator) openRun(ctx context.Context, id string) (*model.ScrapingRun, error) {
	if id == "" {
		run, err := o.store.CreateRun(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: create run")
		}
		return run, nil
	}
	run, err := o.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrRunNotFound, "run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load run %s", id)
	}
	if run.Status != model.RunRunning {
		return nil, eris.Wrapf(ErrRunNotRunning, "run %s is %s", id, run.Status)
	}
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, kinds []model.Kind, force bool, log *zap.Logger) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = eris.Errorf("orchestrator: panic: %v", r)
		}
	}()

	sources, err := o.store.ListDataSources(ctx, store.SourceFilter{ActiveOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list data sources")
	}
	due := dueFor(DueSources(sources, o.now(), force), kinds)

	processing := model.RunProcessing
	count := len(due)
	if err := o.store.UpdateRun(ctx, runID, model.RunUpdate{Status: &processing, SourceCount: &count}); err != nil {
		return nil, eris.Wrap(err, "orchestrator: mark processing")
	}
	log.Info("due sources selected", zap.Int("active", len(sources)), zap.Int("due", count))

	out = &Outcome{
		RunID:       runID,
		Counts:      make(map[model.Kind]int, len(kinds)),
		Reports:     make(map[model.Kind]*KindReport, len(kinds)),
		SourceCount: count,
	}
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "run cancelled")
		}
		rep := o.runKind(ctx, kind, due, log)
		out.Reports[kind] = rep
		out.Counts[kind] = rep.Deduped
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "run cancelled")
	}

	ids := make([]string, len(due))
	for i, src := range due {
		ids[i] = src.ID
	}
	now := o.now()
	if err := o.store.TouchLastScraped(ctx, ids, now); err != nil {
		return nil, eris.Wrap(err, "orchestrator: touch last_scraped")
	}

	completed := model.RunCompleted
	if err := o.store.UpdateRun(ctx, runID, model.RunUpdate{
		Status:  &completed,
		EndTime: &now,
		Counts:  out.Counts,
	}); err != nil {
		return nil, eris.Wrap(err, "orchestrator: mark completed")
	}
	return out, nil
}

// runKind fans out across the sources supplying kind. Source failures become
// skips; nothing here aborts the run.
func (o *Orchestrator) runKind(ctx context.Context, kind model.Kind, due []model.DataSource, log *zap.Logger) *KindReport {
	var matching []model.DataSource
	for _, src := range due {
		if src.Supplies(kind) {
			matching = append(matching, src)
		}
	}
	rep := &KindReport{Kind: kind, Sources: len(matching)}
	if len(matching) == 0 {
		return rep
	}

	// One slot per source keeps concatenation in source order.
	results := make([]extract.Result, len(matching))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentSources)
	for i, src := range matching {
		g.Go(func() error {
			res := o.extractSource(gctx, src, kind, log)
			mu.Lock()
			results[i] = res
			rep.Skips = append(rep.Skips, res.Skips...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var records []extract.Extracted
	for _, res := range results {
		records = append(records, res.Records...)
	}
	rep.Found = len(records)

	records = normalize.Deduplicate(records, func(e extract.Extracted) (string, bool) {
		key := normalize.NormalizeText(e.Record.Name())
		return key, key != ""
	})
	rep.Deduped = len(records)

	staged := o.stage.Write(ctx, kind, records)
	rep.Staged = staged.Written
	rep.StageFailed = staged.Failed

	log.Info("kind processed",
		zap.String("kind", string(kind)),
		zap.Int("sources", rep.Sources),
		zap.Int("found", rep.Found),
		zap.Int("deduped", rep.Deduped),
		zap.Int("staged", rep.Staged),
		zap.Int("skips", len(rep.Skips)),
	)
	return rep
}

// extractSource runs one source under its own timeout. A panic is
// converted into a source-level skip.
func (o *Orchestrator) extractSource(ctx context.Context, src model.DataSource, kind model.Kind, log *zap.Logger) (res extract.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := eris.Errorf("panic: %v", r)
			log.Error("source extraction panicked",
				zap.String("source", src.Name),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			res = extract.Result{Skips: []extract.Skip{{
				Source: src.Name,
				Kind:   kind,
				Stage:  extract.StageConfig,
				URL:    src.URL,
				Reason: extract.ReasonSourceFailed,
				Err:    err,
			}}}
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
	defer cancel()
	return o.extract.Extract(sctx, src, kind)
}

// fail writes the terminal failed state. It runs detached from ctx so a
// cancelled run still records why it stopped.
func (o *Orchestrator) fail(ctx context.Context, runID, msg string, log *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	failed := model.RunFailed
	end := o.now()
	err := o.store.UpdateRun(fctx, runID, model.RunUpdate{
		Status:       &failed,
		EndTime:      &end,
		ErrorMessage: &msg,
	})
	if err != nil {
		log.Error("could not mark run failed", zap.String("reason", msg), zap.Error(err))
		return
	}
	log.Error("run failed", zap.String("reason", msg))
}

// reject fails a caller-created run that never got past validation or the
// lock. Only a run still in running is touched.
func (o *Orchestrator) reject(ctx context.Context, runID string, cause error) {
	if runID == "" {
		return
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("run_id", runID))
	run, err := o.store.GetRun(gctx, runID)
	if err != nil {
		log.Warn("rejected run not closed", zap.Error(err))
		return
	}
	if run.Status != model.RunRunning {
		return
	}
	o.fail(ctx, runID, failureMessage(ctx, cause), log)
}

func failureMessage(ctx context.Context, err error) string {
	msg := err.Error()
	if ctx.Err() != nil && !strings.HasPrefix(msg, "run cancelled") {
		msg = fmt.Sprintf("run cancelled: %s", msg)
	}
	return msg
}

// dueFor keeps the due sources that supply at least one requested kind.
func dueFor(sources []model.DataSource, kinds []model.Kind) []model.DataSource {
	var out []model.DataSource
	for _, src := range sources {
		for _, k := range kinds {
			if src.Supplies(k) {
				out = append(out, src)
				break
			}
		}
	}
	return out
}

func kindNames(kinds []model.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
