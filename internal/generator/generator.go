// Package generator drives the generate-validate loop: it asks the gateway for
// candidate exercises, scores them and returns the first one that meets the
// quality threshold, the best one seen, or the static fallback.
package generator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/superpaes/exercise-gateway/internal/exercise"
	"github.com/superpaes/exercise-gateway/internal/gateway"
	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
	"github.com/superpaes/exercise-gateway/internal/prompts"
	"github.com/superpaes/exercise-gateway/internal/quality"
	"github.com/superpaes/exercise-gateway/internal/retry"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

// Defaults applied for zero Config and Request fields.
const (
	DefaultModel            = "anthropic/claude-3.5-sonnet"
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1500
	DefaultQualityThreshold = quality.ValidThreshold
	DefaultMaxAttempts      = 2
)

// DefaultCallRetry is the retry around the single gateway call of one cycle.
var DefaultCallRetry = retry.Policy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, Linear: true}

// ActionQualityValidation tags the usage record written after scoring.
const ActionQualityValidation = "quality_validation"

// Outcomes reported to metrics.
const (
	OutcomeValidated  = "validated"
	OutcomeBestEffort = "best_effort"
	OutcomeFallback   = "fallback"
)

// Caller is the part of the gateway the generator uses.
type Caller interface {
	Call(ctx context.Context, action string, payload any) (gateway.Result, error)
}

// Config configures a Generator.
type Config struct {
	Gateway          Caller
	Ledger           ledger.Recorder // optional
	Model            string
	Temperature      float64
	MaxTokens        int
	QualityThreshold float64
	MaxAttempts      int
	// Deadline bounds one Generate call. When it passes the loop stops and
	// the best candidate or the fallback is returned. Zero means no bound.
	Deadline         time.Duration
	CallRetry        retry.Policy
	Logger           *logrus.Entry
	Clock            func() time.Time
	Metrics          *metrics.Collector
	Tracer           trace.Tracer
}

// Request describes one exercise to generate. A nil QualityThreshold and a
// zero MaxAttempts take the generator defaults.
type Request struct {
	Subject          exercise.Subject    `json:"subject"`
	Skill            exercise.Skill      `json:"skill"`
	Difficulty       exercise.Difficulty `json:"difficulty"`
	UserContext      any                 `json:"userContext,omitempty"`
	QualityThreshold *float64            `json:"qualityThreshold,omitempty"`
	MaxAttempts      int                 `json:"maxAttempts,omitempty"`
	UserID           string              `json:"userId,omitempty"`
	ModuleSource     string              `json:"moduleSource,omitempty"`
}

// Metadata describes how a Response was produced.
type Metadata struct {
	Model            string        `json:"model"`
	Attempts         int           `json:"attempts"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
	Source           string        `json:"source"`
	Validated        bool          `json:"validated"`
	TotalTokens      int64         `json:"totalTokens"`
	TotalCost        float64       `json:"totalCost"`
}

// Response is always populated, even when every attempt failed.
type Response struct {
	Exercise      exercise.Exercise `json:"exercise"`
	QualityReport quality.Report    `json:"qualityReport"`
	Metadata      Metadata          `json:"metadata"`
}

// Generator runs the generate-validate loop. It is safe for concurrent use.
type Generator struct {
	gw          Caller
	ledger      ledger.Recorder
	model       string
	temperature float64
	maxTokens   int
	threshold   float64
	maxAttempts int
	deadline    time.Duration
	callRetry   retry.Policy
	logger      *logrus.Entry
	now         func() time.Time
	metrics     *metrics.Collector
	tracer      trace.Tracer
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("generator: gateway required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallRetry.MaxAttempts <= 0 {
		cfg.CallRetry = DefaultCallRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/superpaes/exercise-gateway/internal/generator")
	}
	return &Generator{
		gw:          cfg.Gateway,
		ledger:      cfg.Ledger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		threshold:   cfg.QualityThreshold,
		maxAttempts: cfg.MaxAttempts,
		deadline:    cfg.Deadline,
		callRetry:   cfg.CallRetry,
		logger:      logging.OrDiscard(cfg.Logger).WithField("component", "generator"),
		now:         cfg.Clock,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}, nil
}

// Generate produces an exercise. It never fails: when no candidate could be
// obtained the static fallback exercise is returned with validated=false.
// A candidate below the threshold is still preferred over the fallback.
func (g *Generator) Generate(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	threshold := g.threshold
	if req.QualityThreshold != nil {
		threshold = *req.QualityThreshold
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = g.maxAttempts
	}
	log := g.logger.WithFields(logrus.Fields{
		"subject":    req.Subject,
		"skill":      req.Skill,
		"difficulty": req.Difficulty,
		"user_id":    req.UserID,
	})

	if g.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.deadline)
		defer cancel()
	}
	ctx, span := g.tracer.Start(ctx, "generator.generate", trace.WithAttributes(
		attribute.String("exercise.subject", string(req.Subject)),
		attribute.String("exercise.skill", string(req.Skill)),
		attribute.String("exercise.difficulty", string(req.Difficulty)),
		attribute.Int("generator.max_attempts", maxAttempts),
	))
	defer span.End()

	st := &run{req: req, log: log}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("generation panicked\n%s", debug.Stack())
			resp = g.fallback(req, st)
		}
		resp.Metadata.ProcessingTime = time.Since(start)
		resp.Metadata.ProcessingTimeMs = resp.Metadata.ProcessingTime.Milliseconds()
		outcome := OutcomeFallback
		switch {
		case resp.Metadata.Validated:
			outcome = OutcomeValidated
		case resp.Metadata.Source == exercise.SourceAIGenerated:
			outcome = OutcomeBestEffort
		}
		g.metrics.RecordGeneration(outcome, resp.Metadata.Attempts)
		span.SetAttributes(
			attribute.String("generator.outcome", outcome),
			attribute.Int("generator.attempts", resp.Metadata.Attempts),
			attribute.Float64("quality.overall", resp.QualityReport.OverallScore),
		)
		log.WithFields(logrus.Fields{
			"outcome":  outcome,
			"attempts": resp.Metadata.Attempts,
			"score":    resp.QualityReport.OverallScore,
			"elapsed":  resp.Metadata.ProcessingTime,
		}).Info("exercise generated")
	}()

	tmpl, err := prompts.Build(req.Subject, req.Skill, req.Difficulty, req.UserContext)
	if err != nil {
		log.WithError(err).Warn("cannot build prompt")
		return g.fallback(req, st)
	}

	for n := 1; n <= maxAttempts; n++ {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("generation stopped before all attempts")
			break
		}
		st.attempts = n
		ex, report, ok := g.attempt(ctx, tmpl, n, st)
		if !ok {
			continue
		}
		if report.OverallScore >= threshold {
			return g.response(ex, report, st, true)
		}
		if st.best == nil || report.OverallScore > st.bestReport.OverallScore {
			st.best = &ex
			st.bestReport = report
		}
	}
	if st.best != nil {
		return g.response(*st.best, st.bestReport, st, false)
	}
	return g.fallback(req, st)
}

// run is the state of one Generate invocation.
type run struct {
	req        Request
	log        *logrus.Entry
	attempts   int
	tokens     int64
	cost       float64
	best       *exercise.Exercise
	bestReport quality.Report
}

// attempt is one generate-validate cycle. ok is false when no valid candidate
// came out of it.
func (g *Generator) attempt(ctx context.Context, tmpl prompts.Template, n int, st *run) (exercise.Exercise, quality.Report, bool) {
	ctx, span := g.tracer.Start(ctx, "generator.attempt", trace.WithAttributes(attribute.Int("generator.attempt", n)))
	defer span.End()
	log := st.log.WithField("attempt", n)

	payload := upstream.CompletionPayload{
		SystemPrompt: tmpl.SystemPrompt,
		UserPrompt:   tmpl.UserPrompt,
		Model:        g.model,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
		Attempt:      n,
	}
	callStart := time.Now()
	res, err := g.call(ctx, payload)
	elapsed := time.Since(callStart)

	text := res.Content()
	if res.IsDegraded() {
		text = res.Degraded.UserMessage
	}
	tokens := ledger.EstimateTokens(text)
	st.tokens += tokens
	st.cost += ledger.EstimateCost(tokens)
	usage := g.usage(st.req, upstream.ActionGenerateExercise, n)
	usage.TokenCount = tokens
	usage.ResponseTimeMs = elapsed.Milliseconds()
	usage.Success = err == nil && !res.IsDegraded()
	usage.Metadata["cached"] = res.Cached
	if res.IsDegraded() {
		usage.Metadata["degraded_reason"] = string(res.Degraded.Reason)
	}
	if err != nil {
		usage.Metadata["error"] = err.Error()
	}
	g.record(ctx, usage)

	if err != nil {
		span.RecordError(err)
		log.WithError(err).Warn("generation call failed")
		return exercise.Exercise{}, quality.Report{}, false
	}
	if res.IsDegraded() {
		log.WithField("reason", res.Degraded.Reason).Warn("generation call degraded")
		return exercise.Exercise{}, quality.Report{}, false
	}

	p, err := parseResult(res)
	if err != nil {
		span.RecordError(err)
		log.WithError(err).Warn("discarding unparseable candidate")
		return exercise.Exercise{}, quality.Report{}, false
	}
	ex := g.buildExercise(p, st.req, n)

	report := quality.Validate(ex, st.req.Subject, st.req.Skill)
	g.metrics.RecordQualityScore(report.OverallScore)
	span.SetAttributes(attribute.Float64("quality.overall", report.OverallScore))
	score := report.OverallScore
	validation := g.usage(st.req, ActionQualityValidation, n)
	validation.Success = report.IsValid
	validation.QualityScore = &score
	validation.Metadata["issues"] = len(report.Issues)
	g.record(ctx, validation)

	if err := ex.CheckInvariants(); err != nil {
		log.WithError(err).WithField("score", score).Warn("candidate breaks exercise invariants")
		return exercise.Exercise{}, quality.Report{}, false
	}
	log.WithFields(logrus.Fields{"score": score, "valid": report.IsValid}).Debug("candidate scored")
	return ex, report, true
}

// errRetryableDegraded asks the call retry for another try.
var errRetryableDegraded = errors.New("generator: transient degraded result")

// call performs the gateway call with the inner retry. Hard failures and
// timeout or unavailable degraded results are retried; the last result is
// returned when retries run out.
func (g *Generator) call(ctx context.Context, payload upstream.CompletionPayload) (gateway.Result, error) {
	var res gateway.Result
	err := g.callRetry.Do(ctx, func(ctx context.Context, try int) error {
		r, err := g.gw.Call(ctx, upstream.ActionGenerateExercise, payload)
		if err != nil {
			res = gateway.Result{}
			if ctx.Err() != nil || errors.Is(err, gateway.ErrMalformedResponse) {
				return retry.Permanent(err)
			}
			return err
		}
		res = r
		if r.IsDegraded() {
			switch r.Degraded.Reason {
			case gateway.ReasonTimeout, gateway.ReasonUnavailable:
				return errRetryableDegraded
			}
		}
		return nil
	})
	if errors.Is(err, errRetryableDegraded) {
		return res, nil
	}
	return res, err
}

func (g *Generator) buildExercise(p parsed, req Request, attempt int) exercise.Exercise {
	now := g.now()
	return exercise.Exercise{
		ID:            newExerciseID(now),
		Question:      p.question,
		Options:       p.options,
		CorrectAnswer: p.correctAnswer,
		Explanation:   p.explanation,
		Subject:       req.Subject,
		Skill:         req.Skill,
		Difficulty:    req.Difficulty,
		Metadata: map[string]any{
			exercise.MetaSource:      exercise.SourceAIGenerated,
			exercise.MetaGeneratedAt: now.UTC().Format(time.RFC3339),
			exercise.MetaSubject:     string(req.Subject),
			exercise.MetaSkill:       string(req.Skill),
			exercise.MetaDifficulty:  string(req.Difficulty),
			"attempt":                attempt,
			"model":                  g.model,
		},
	}
}

func (g *Generator) response(ex exercise.Exercise, report quality.Report, st *run, validated bool) Response {
	return Response{
		Exercise:      ex,
		QualityReport: report,
		Metadata: Metadata{
			Model:       g.model,
			Attempts:    st.attempts,
			Source:      exercise.SourceAIGenerated,
			Validated:   validated,
			TotalTokens: st.tokens,
			TotalCost:   st.cost,
		},
	}
}

func (g *Generator) fallback(req Request, st *run) Response {
	return Response{
		Exercise:      exercise.Fallback(req.Subject, req.Skill, req.Difficulty, g.now()),
		QualityReport: quality.FallbackReport(),
		Metadata: Metadata{
			Model:       g.model,
			Attempts:    st.attempts,
			Source:      exercise.SourceFallback,
			TotalTokens: st.tokens,
			TotalCost:   st.cost,
		},
	}
}

func (g *Generator) usage(req Request, action string, attempt int) ledger.UsageRecord {
	return ledger.UsageRecord{
		UserID:       req.UserID,
		Model:        g.model,
		Action:       action,
		ModuleSource: req.ModuleSource,
		Metadata: map[string]any{
			"attempt":    attempt,
			"subject":    string(req.Subject),
			"skill":      string(req.Skill),
			"difficulty": string(req.Difficulty),
		},
		CreatedAt: g.now(),
	}
}

// record hands rec to the ledger. The ledger swallows its own errors; a
// panic in it must not reach the caller either.
func (g *Generator) record(ctx context.Context, rec ledger.UsageRecord) {
	if g.ledger == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithField("panic", r).Error("usage recording panicked")
		}
	}()
	g.ledger.Record(context.WithoutCancel(ctx), rec)
}

// newExerciseID returns "ai-<unix ms>-<9 random chars>".
func newExerciseID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("ai-%d-%s", now.UnixMilli(), suffix)
}
