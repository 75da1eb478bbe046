// Package pipeline coordinates one job attempt: routing, concurrent
// source stages, enrichment and the final merge.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krawlr/intel-engine/internal/merge"
	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/router"
	"github.com/krawlr/intel-engine/internal/source"
	"github.com/krawlr/intel-engine/internal/store"
)

// ErrCancelled aborts the attempt when the caller requested cancellation.
// The worker maps it to a terminal cancelled status.
var ErrCancelled = eris.New("pipeline: cancelled by caller")

// ErrAllSourcesFailed is returned when not a single stage produced data.
// Partial failures never surface here: one good source is a valid result.
var ErrAllSourcesFailed = eris.New("pipeline: all sources failed")

// Config bounds a pipeline attempt.
type Config struct {
	// StageTimeout caps each individual stage.
	StageTimeout time.Duration

	// TotalCeiling caps the whole attempt, routing included.
	TotalCeiling time.Duration

	// CancelGrace is how long in-flight stages keep running after a
	// cancellation request is observed mid-fan-out. When it lapses the
	// remaining stages are cut off and the attempt returns ErrCancelled.
	CancelGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 45 * time.Second
	}
	if c.TotalCeiling <= 0 {
		c.TotalCeiling = 150 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	return c
}

// cancelPollInterval is how often the fan-out watcher re-reads the
// cancellation flag.
const cancelPollInterval = 100 * time.Millisecond

// Coordinator runs independent stages concurrently and assembles the
// unified record.
type Coordinator struct {
	registry *source.Registry
	router   *router.Router
	store    store.Store
	cfg      Config
}

// New creates a Coordinator.
func New(registry *source.Registry, rt *router.Router, st store.Store, cfg Config) *Coordinator {
	return &Coordinator{
		registry: registry,
		router:   rt,
		store:    st,
		cfg:      cfg.withDefaults(),
	}
}

// Execute runs one attempt for a job and returns the merged record. The
// record is returned, not persisted; finalizing is the worker's job so
// that exactly one delivery wins.
func (c *Coordinator) Execute(ctx context.Context, job *model.Job) (*model.UnifiedRecord, error) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("entity", job.EntityRef))
	log.Info("pipeline: starting attempt", zap.Int("attempt", job.AttemptCount))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalCeiling)
	defer cancel()

	entity := model.ParseEntity(job.EntityRef)

	// Progress helper; failures to record progress never fail the attempt.
	setProgress := func(stage string, pct int) {
		if err := c.store.UpdateProgress(ctx, job.ID, stage, pct); err != nil {
			log.Warn("pipeline: progress update failed", zap.Error(err))
		}
	}

	// Cancellation is cooperative: checked between stages, never mid-call.
	if cancelled, err := c.cancelRequested(ctx, job.ID); err == nil && cancelled {
		return nil, ErrCancelled
	}

	setProgress("routing", 5)
	decision, err := c.router.Decide(ctx, entity)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: routing")
	}
	if err := c.store.SaveRoutingDecision(ctx, job.ID, decision); err != nil {
		log.Warn("pipeline: saving routing decision failed", zap.Error(err))
	}

	stages := c.selectStages(decision)
	if len(stages) == 0 {
		return nil, eris.New("pipeline: no capabilities registered")
	}

	if cancelled, err := c.cancelRequested(ctx, job.ID); err == nil && cancelled {
		return nil, ErrCancelled
	}

	// Fan out the stages. Failures are recorded per-stage and absorbed:
	// a g.Go closure only returns an error for cancellation.
	results := make([]model.SourceResult, len(stages))
	var done int
	var doneMu sync.Mutex

	// A cancellation request arriving mid-fan-out lets in-flight stages
	// wind down for CancelGrace, then cuts them off.
	fanCtx, stopFan := context.WithCancel(ctx)
	defer stopFan()
	cancelObserved := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-fanCtx.Done():
				return
			case <-ticker.C:
				if cancelled, err := c.cancelRequested(fanCtx, job.ID); err == nil && cancelled {
					close(cancelObserved)
					select {
					case <-fanCtx.Done():
					case <-time.After(c.cfg.CancelGrace):
						stopFan()
					}
					return
				}
			}
		}
	}()

	g, gCtx := errgroup.WithContext(fanCtx)
	for i, stage := range stages {
		g.Go(func() error {
			stageCtx, stageCancel := context.WithTimeout(gCtx, c.cfg.StageTimeout)
			defer stageCancel()

			start := time.Now()
			res, runErr := stage.Run(stageCtx, entity)
			if runErr != nil {
				res = model.FailedResult(stage.Name(), runErr, time.Since(start))
			}
			results[i] = res

			doneMu.Lock()
			done++
			pct := 10 + 75*done/len(stages)
			doneMu.Unlock()
			setProgress(stage.Name(), pct)

			log.Info("pipeline: stage finished",
				zap.String("stage", stage.Name()),
				zap.String("status", string(res.Status)),
				zap.Duration("latency", res.Latency),
			)
			return nil
		})
	}
	waitErr := g.Wait()
	stopFan()
	<-watchDone

	select {
	case <-cancelObserved:
		return nil, ErrCancelled
	default:
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "pipeline: attempt ceiling exceeded")
	}

	if cancelled, err := c.cancelRequested(ctx, job.ID); err == nil && cancelled {
		return nil, ErrCancelled
	}

	anyOK := false
	for _, res := range results {
		if res.Status != model.SourceStatusFailed {
			anyOK = true
			break
		}
	}
	if !anyOK {
		return nil, ErrAllSourcesFailed
	}

	if err := c.store.UpdateStatus(ctx, job.ID, model.JobStatusMerging); err != nil {
		// Another delivery may have finalized the job already.
		return nil, eris.Wrap(err, "pipeline: enter merging")
	}
	setProgress("merging", 90)

	record := merge.Merge(entity, results, c.registry.Owner)
	record.Routing = &decision

	if enricher := c.registry.Enricher(); enricher != nil {
		enrichCtx, enrichCancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
		suggestions, enrichErr := enricher.Enrich(enrichCtx, entity, record.Namespaces)
		enrichCancel()
		if enrichErr != nil {
			// Enrichment is best-effort; the merged record stands alone.
			log.Warn("pipeline: enrichment failed", zap.Error(enrichErr))
		} else if added := merge.ApplyEnrichment(record, enricher.Name(), enricher.WriteScope(), suggestions); added > 0 {
			log.Info("pipeline: enrichment applied", zap.Int("fields_added", added))
		}
		setProgress("enrichment", 95)
	}

	log.Info("pipeline: attempt complete",
		zap.Float64("quality_score", record.QualityScore),
		zap.Int("sources", len(record.SourcesUsed)),
	)
	return record, nil
}

// selectStages returns all capabilities except the financial source the
// router did not choose. Exactly one of the two runs per attempt.
func (c *Coordinator) selectStages(decision model.RoutingDecision) []source.Capability {
	var excluded string
	switch decision.ChosenSource {
	case model.SourcePublicFilings:
		excluded = model.SourcePrivateFunding
	case model.SourcePrivateFunding:
		excluded = model.SourcePublicFilings
	}

	var stages []source.Capability
	for _, capability := range c.registry.Capabilities() {
		if capability.Name() == excluded {
			continue
		}
		stages = append(stages, capability)
	}
	return stages
}

func (c *Coordinator) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := c.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		zap.L().Warn("pipeline: cancel check failed", zap.String("job_id", jobID), zap.Error(err))
		return false, err
	}
	return cancelled, nil
}
