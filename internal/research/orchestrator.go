// Package research fans a property subject out to the fixed role set,
// collects provider answers under one shared deadline, and reduces them
// into a single BatchResult.
package research

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parcelscope/property-research/internal/model"
	"github.com/parcelscope/property-research/internal/parse"
	"github.com/parcelscope/property-research/pkg/perplexity"
)

// ErrNoRoles is returned when an orchestrator is constructed with an
// empty role set.
var ErrNoRoles = eris.New("research: no roles configured")

// ErrMissingParam is returned when a subject lacks a field that a role's
// prompt template requires.
var ErrMissingParam = eris.New("research: subject missing required template parameter")

// deadlineEpsilon absorbs cancellation overhead when deciding whether the
// batch consumed its whole budget.
const deadlineEpsilon = 50 * time.Millisecond

// Config holds orchestration knobs.
type Config struct {
	// Deadline is the single shared wall-clock budget for a whole batch.
	Deadline time.Duration
	// CallTimeout bounds each provider call; clamped to Deadline.
	CallTimeout time.Duration
	// Temperature and MaxTokens are passed through to every role call.
	Temperature float64
	MaxTokens   int
	// Recency is the provider's search recency preference (e.g. "month").
	Recency string
	// UnitCostUSD is the flat per-role query cost used for the batch
	// cost estimate.
	UnitCostUSD float64
}

// Orchestrator owns the fixed role→prompt bindings and the provider
// client. It is safe for concurrent use; each Run is independent.
type Orchestrator struct {
	client  perplexity.Client
	roles   []model.QueryRole
	cfg     Config
	limiter *rate.Limiter
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLimiter installs a shared rate limiter applied before each provider
// call across all concurrent roles.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

// New validates the role set and constructs an orchestrator. Roles are
// fixed for the orchestrator's lifetime.
func New(client perplexity.Client, roles []model.QueryRole, cfg Config, opts ...Option) (*Orchestrator, error) {
	if len(roles) == 0 {
		return nil, ErrNoRoles
	}
	for _, r := range roles {
		if r.ID == "" || r.PromptTemplate == "" {
			return nil, eris.Errorf("research: role %q has no prompt template", r.ID)
		}
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 90 * time.Second
	}
	if cfg.CallTimeout <= 0 || cfg.CallTimeout > cfg.Deadline {
		cfg.CallTimeout = cfg.Deadline
	}

	o := &Orchestrator{client: client, roles: roles, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Roles returns the declared role set in launch order.
func (o *Orchestrator) Roles() []model.QueryRole {
	return o.roles
}

// roleOutcome carries one completed provider exchange back to the
// collection loop. Each goroutine owns its response exclusively.
type roleOutcome struct {
	idx  int
	resp *perplexity.ResearchResponse
	err  error
}

// Run launches every role concurrently, waits for completion or the
// shared deadline, and assembles the batch. Partial failure never raises;
// the only synchronous error is a missing template parameter.
func (o *Orchestrator) Run(ctx context.Context, subject model.Subject) (*model.BatchResult, error) {
	if err := o.validateSubject(subject); err != nil {
		return nil, err
	}

	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	zap.L().Info("research: deploying roles",
		zap.String("subject", subject.FullAddress()),
		zap.Int("roles", len(o.roles)),
		zap.Duration("deadline", o.cfg.Deadline),
	)

	// Launch everything before any wait. The channel is buffered so
	// stragglers can deliver (and exit) after the collection loop has
	// given up on them.
	outcomes := make(chan roleOutcome, len(o.roles))
	for i, role := range o.roles {
		go func() {
			outcomes <- o.callRole(batchCtx, i, role, subject)
		}()
	}

	// Single collective wait: either all roles settle or the deadline
	// fires, whichever is first.
	completed := make(map[int]roleOutcome, len(o.roles))
collect:
	for len(completed) < len(o.roles) {
		select {
		case out := <-outcomes:
			completed[out.idx] = out
		case <-batchCtx.Done():
			break collect
		}
	}
	cancel() // stop stragglers; late sends land in the buffer and are dropped

	elapsed := time.Since(start)
	return o.assemble(subject, completed, elapsed), nil
}

// callRole executes one role's provider exchange under the per-call
// timeout, which is a secondary safety net under the batch deadline.
func (o *Orchestrator) callRole(ctx context.Context, idx int, role model.QueryRole, subject model.Subject) roleOutcome {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	if o.limiter != nil {
		if err := o.limiter.Wait(callCtx); err != nil {
			return roleOutcome{idx: idx, err: perplexity.ErrTimeout}
		}
	}

	resp, err := o.client.Research(callCtx, perplexity.ResearchRequest{
		Prompt:       buildPrompt(role.PromptTemplate, subject),
		SystemPrompt: role.SystemPrompt,
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
		Recency:      o.cfg.Recency,
	})
	return roleOutcome{idx: idx, resp: resp, err: err}
}

// assemble reduces completed outcomes into the final BatchResult, keyed
// and ordered by the declared role list regardless of completion order.
func (o *Orchestrator) assemble(subject model.Subject, completed map[int]roleOutcome, elapsed time.Duration) *model.BatchResult {
	result := &model.BatchResult{
		Subject: subject,
		RoleIDs: make([]string, 0, len(o.roles)),
		Roles:   make(map[string]*model.ParsedResult, len(o.roles)),
	}

	var succeeded, failed, timedOut int
	for i, role := range o.roles {
		result.RoleIDs = append(result.RoleIDs, role.ID)

		out, ok := completed[i]
		switch {
		case !ok || errors.Is(out.err, perplexity.ErrTimeout):
			timedOut++
			result.Roles[role.ID] = &model.ParsedResult{
				Status:      model.RoleStatusTimeout,
				ParseMethod: model.ParseFailed,
			}
			zap.L().Warn("research: role timed out", zap.String("role", role.ID))

		case out.err != nil:
			failed++
			result.Roles[role.ID] = &model.ParsedResult{
				Status:      model.RoleStatusError,
				ParseMethod: model.ParseFailed,
				Error:       out.err.Error(),
			}
			zap.L().Warn("research: role failed",
				zap.String("role", role.ID),
				zap.Error(out.err),
			)

		default:
			succeeded++
			parsed := parse.Parse(model.RawResponse{
				Text:      out.resp.Text,
				Citations: out.resp.Citations,
			}, role)
			result.Roles[role.ID] = parse.Annotate(parsed, role)
		}
	}

	result.Metadata = model.BatchMetadata{
		TotalRoles:       len(o.roles),
		Succeeded:        succeeded,
		Failed:           failed,
		TimedOut:         timedOut,
		ElapsedSeconds:   elapsed.Seconds(),
		CostUSD:          float64(len(o.roles)) * o.cfg.UnitCostUSD,
		DeadlineExceeded: elapsed >= o.cfg.Deadline-deadlineEpsilon,
		ResearchedAt:     time.Now().UTC(),
	}

	zap.L().Info("research: batch complete",
		zap.String("subject", subject.FullAddress()),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("timed_out", timedOut),
		zap.Float64("elapsed_s", result.Metadata.ElapsedSeconds),
	)
	return result
}

// validateSubject checks that every role's template can be expanded.
func (o *Orchestrator) validateSubject(subject model.Subject) error {
	for _, role := range o.roles {
		addr, city, state := requiredParams(role.PromptTemplate)
		if addr && subject.Address == "" {
			return eris.Wrapf(ErrMissingParam, "role %s requires address", role.ID)
		}
		if city && subject.City == "" {
			return eris.Wrapf(ErrMissingParam, "role %s requires city", role.ID)
		}
		if state && subject.State == "" {
			return eris.Wrapf(ErrMissingParam, "role %s requires state", role.ID)
		}
	}
	return nil
}
