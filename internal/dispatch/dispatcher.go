// Package dispatch runs collection ticks. A tick expands the enabled
// assets into work units for one frequency class, fans the units out
// over a bounded worker pool, and persists whatever the fetchers
// return. Unit failures are isolated: retriable ones are retried with
// capped exponential backoff, terminal ones are recorded, and neither
// aborts the tick. An outer deadline bounds the whole pass and cancels
// stragglers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/fetch"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// Evaluator receives each persisted sample for threshold evaluation.
// Evaluation failures are logged and never fail the work unit.
type Evaluator interface {
	Evaluate(ctx context.Context, sample persistence.MetricSample) error
}

// UnitOutcome records how one work unit ended.
type UnitOutcome struct {
	Unit      string             `json:"unit"`
	Kind      domain.FetcherKind `json:"kind"`
	Samples   int                `json:"samples"`
	Attempts  int                `json:"attempts"`
	Elapsed   time.Duration      `json:"elapsed"`
	Err       string             `json:"error,omitempty"`
	Retriable bool               `json:"retriable,omitempty"`
}

// TickReport summarizes one dispatcher run.
type TickReport struct {
	RunID      string        `json:"run_id"`
	Class      catalog.Class `json:"class"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Assets     int           `json:"assets"`
	Units      int           `json:"units"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Samples    int           `json:"samples"`
	Incomplete bool          `json:"incomplete"`
	Failures   []UnitOutcome `json:"failures,omitempty"`
}

// Dispatcher owns the tick loop for all four frequency classes.
type Dispatcher struct {
	registry persistence.RegistryRepo
	store    persistence.MetricsRepo
	router   *fetch.Router
	sink     Evaluator
	cfg      config.DispatchConfig
	tel      *telemetry.Metrics

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New wires a dispatcher. A nil sink disables alert evaluation and a
// nil telemetry registry disables metrics.
func New(registry persistence.RegistryRepo, store persistence.MetricsRepo, router *fetch.Router, sink Evaluator, cfg config.DispatchConfig, tel *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		router:   router,
		sink:     sink,
		cfg:      cfg,
		tel:      tel,
		now:      time.Now,
		sleep:    waitFor,
		jitter:   rand.Float64,
	}
}

type tickJob struct {
	runID string
	unit  fetch.Unit
	asset *persistence.Asset
}

// Tick runs one collection pass for class over every enabled asset.
func (d *Dispatcher) Tick(ctx context.Context, class catalog.Class) (*TickReport, error) {
	assets, err := d.registry.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled assets: %w", err)
	}
	return d.run(ctx, class, assets)
}

// TickAsset runs one collection pass for a single registered asset.
func (d *Dispatcher) TickAsset(ctx context.Context, class catalog.Class, symbol string) (*TickReport, error) {
	asset, err := d.registry.Get(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", symbol, err)
	}
	if asset == nil {
		return nil, fmt.Errorf("asset %s is not registered", symbol)
	}
	return d.run(ctx, class, []persistence.Asset{*asset})
}

func (d *Dispatcher) run(ctx context.Context, class catalog.Class, assets []persistence.Asset) (*TickReport, error) {
	report := &TickReport{
		RunID:     uuid.NewString(),
		Class:     class,
		StartedAt: d.now().UTC(),
		Assets:    len(assets),
	}

	var jobs []tickJob
	for i := range assets {
		for _, unit := range fetch.Units(&assets[i], class) {
			jobs = append(jobs, tickJob{runID: report.RunID, unit: unit, asset: &assets[i]})
		}
	}
	report.Units = len(jobs)

	log.Info().
		Str("run_id", report.RunID).
		Str("class", string(class)).
		Int("assets", len(assets)).
		Int("units", len(jobs)).
		Msg("tick started")

	if len(jobs) == 0 {
		report.Elapsed = d.now().UTC().Sub(report.StartedAt)
		d.tel.ObserveTick(string(class), false, report.Elapsed)
		return report, nil
	}

	outer := d.unitDeadline(class) * time.Duration(d.outerFactor())
	tickCtx, cancel := context.WithTimeout(ctx, outer)
	defer cancel()

	queue := make(chan tickJob, len(jobs))
	results := make(chan UnitOutcome, len(jobs))

	workers := d.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				results <- d.runUnit(tickCtx, job)
			}
		}()
	}

	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	go func() {
		wg.Wait()
		close(results)
	}()

	for outcome := range results {
		result := "ok"
		if outcome.Err != "" {
			result = "error"
			report.Failed++
			report.Failures = append(report.Failures, outcome)
			log.Error().
				Str("run_id", report.RunID).
				Str("class", string(class)).
				Str("unit", outcome.Unit).
				Str("kind", string(outcome.Kind)).
				Int("attempts", outcome.Attempts).
				Bool("retriable", outcome.Retriable).
				Str("error", outcome.Err).
				Msg("work unit failed")
		} else {
			report.Succeeded++
			report.Samples += outcome.Samples
			log.Debug().
				Str("run_id", report.RunID).
				Str("unit", outcome.Unit).
				Int("samples", outcome.Samples).
				Int("attempts", outcome.Attempts).
				Msg("work unit done")
		}
		d.tel.ObserveUnit(string(class), string(outcome.Kind), result, outcome.Elapsed)
	}

	report.Incomplete = tickCtx.Err() != nil
	report.Elapsed = d.now().UTC().Sub(report.StartedAt)
	d.tel.ObserveTick(string(class), report.Incomplete, report.Elapsed)

	if report.Incomplete {
		log.Warn().
			Str("run_id", report.RunID).
			Str("class", string(class)).
			Int("failed", report.Failed).
			Dur("elapsed", report.Elapsed).
			Msg("tick incomplete, outer deadline elapsed")
	}
	log.Info().
		Str("run_id", report.RunID).
		Str("class", string(class)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("samples", report.Samples).
		Dur("elapsed", report.Elapsed).
		Msg("tick finished")

	return report, nil
}

// runUnit executes one work unit: fetch with retries, persist, and feed
// each stored sample to the alert sink.
func (d *Dispatcher) runUnit(ctx context.Context, job tickJob) UnitOutcome {
	outcome := UnitOutcome{Unit: job.unit.String(), Kind: job.unit.Kind}
	start := d.now()

	if err := ctx.Err(); err != nil {
		outcome.Err = fmt.Sprintf("tick budget exhausted before start: %v", err)
		return outcome
	}

	fetcher, ok := d.router.For(job.unit.Kind)
	if !ok {
		outcome.Err = fmt.Sprintf("no fetcher registered for kind %s", job.unit.Kind)
		return outcome
	}

	deadline := d.unitDeadline(job.unit.Scope.Class)
	maxRetries := d.cfg.Retry.MaxRetries

	var samples []persistence.MetricSample
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			d.tel.AddRetry(string(job.unit.Scope.Class), string(job.unit.Kind))
			if waitErr := d.sleep(ctx, d.backoffDelay(attempt)); waitErr != nil {
				break
			}
		}
		outcome.Attempts = attempt + 1

		unitCtx, unitCancel := context.WithTimeout(ctx, deadline)
		samples, err = fetcher.Fetch(unitCtx, job.asset, job.unit.Scope)
		unitCancel()
		if err == nil {
			break
		}
		retriable := domain.IsRetriable(err) || errors.Is(err, context.DeadlineExceeded)
		if !retriable || attempt == maxRetries || ctx.Err() != nil {
			break
		}
		log.Warn().
			Str("run_id", job.runID).
			Str("unit", outcome.Unit).
			Int("attempt", outcome.Attempts).
			Err(err).
			Msg("work unit failed, retrying")
	}

	outcome.Elapsed = d.now().Sub(start)
	if err != nil {
		outcome.Err = err.Error()
		outcome.Retriable = domain.IsRetriable(err) || errors.Is(err, context.DeadlineExceeded)
		return outcome
	}

	if len(samples) == 0 {
		return outcome
	}

	if storeErr := d.store.AppendBatch(ctx, samples); storeErr != nil {
		outcome.Err = fmt.Sprintf("persist samples: %v", storeErr)
		return outcome
	}
	d.tel.AddSamples(string(job.unit.Kind), len(samples))
	outcome.Samples = len(samples)

	if d.sink != nil {
		for _, sample := range samples {
			if evalErr := d.sink.Evaluate(ctx, sample); evalErr != nil {
				log.Warn().
					Str("run_id", job.runID).
					Str("asset", sample.AssetSymbol).
					Str("metric", sample.MetricName).
					Err(evalErr).
					Msg("threshold evaluation failed")
			}
		}
	}
	return outcome
}

// backoffDelay computes the wait before retry attempt (1-based):
// exponential from the base, capped, with proportional jitter applied
// both ways.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	retry := d.cfg.Retry
	delay := retry.BackoffBase()
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if limit := retry.BackoffCap(); limit > 0 && delay > limit {
		delay = limit
	}
	if pct := retry.JitterPct; pct > 0 {
		spread := (d.jitter()*2 - 1) * pct / 100
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	return delay
}

func (d *Dispatcher) unitDeadline(class catalog.Class) time.Duration {
	if class == catalog.ClassCritical {
		secs := d.cfg.UnitDeadline.CriticalSecs
		if secs <= 0 {
			secs = 30
		}
		return time.Duration(secs) * time.Second
	}
	secs := d.cfg.UnitDeadline.DefaultSecs
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

func (d *Dispatcher) outerFactor() int {
	if d.cfg.OuterDeadlineFactor < 1 {
		return 5
	}
	return d.cfg.OuterDeadlineFactor
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
