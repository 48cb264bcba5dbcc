// Package dispatch orchestrates message delivery to every active AI target
// and reconciles per-surface session state with the conversation model.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/profiles"
	"github.com/openmux/omnichat/internal/registry"
	"github.com/openmux/omnichat/internal/script"
	"github.com/openmux/omnichat/internal/store"
)

// Engine fans a single payload out to all active targets. Targets are
// processed sequentially in display order; a failure or missing handle on
// one target never aborts the rest, and a call resolves only once every
// target has an outcome.
type Engine struct {
	store  *store.Store
	reg    *registry.Registry
	cfg    config.DispatchConfig
	logger *zap.Logger

	limiter *rate.Limiter

	// mu serializes whole dispatch calls so a rapid second send cannot
	// interleave with the first one's per-target loop.
	mu sync.Mutex
}

// NewEngine wires the engine to its injected collaborators.
func NewEngine(st *store.Store, reg *registry.Registry, cfg config.DispatchConfig, logger *zap.Logger) *Engine {
	var limiter *rate.Limiter
	if cfg.MinSendInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1)
	}
	return &Engine{
		store:   st,
		reg:     reg,
		cfg:     cfg,
		logger:  logger.Named("dispatch"),
		limiter: limiter,
	}
}

// SendToActiveTargets delivers the text to every active target and returns
// one outcome per target, in display order.
func (e *Engine) SendToActiveTargets(ctx context.Context, text string) []schemas.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.logger.Debug("Dispatch canceled while rate limited", zap.Error(err))
			return nil
		}
	}

	log := e.logger.With(zap.String("dispatch_id", uuid.NewString()))
	targets := e.store.ActiveTargets()
	log.Info("Dispatching message", zap.Int("targets", len(targets)), zap.Int("text_length", len(text)))

	outcomes := make([]schemas.Outcome, 0, len(targets))
	for _, t := range targets {
		outcomes = append(outcomes, e.attempt(ctx, log, t, func(p profiles.Profile) string {
			return script.PlanSend(text, p, e.cfg.SubmitDelayMs, e.cfg.RetryDelayMs).Compile()
		}))
	}
	return outcomes
}

// TriggerNewConversationOnActiveTargets fires each active target's
// new-conversation action, with the same per-target independence as a send.
func (e *Engine) TriggerNewConversationOnActiveTargets(ctx context.Context) []schemas.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logger.With(zap.String("dispatch_id", uuid.NewString()))
	targets := e.store.ActiveTargets()
	log.Info("Triggering new conversation", zap.Int("targets", len(targets)))

	outcomes := make([]schemas.Outcome, 0, len(targets))
	for _, t := range targets {
		outcomes = append(outcomes, e.attempt(ctx, log, t, func(p profiles.Profile) string {
			return script.PlanNewChat(p).Compile()
		}))
	}
	return outcomes
}

// attempt runs one target's script and classifies the result. All failure
// modes are contained here.
func (e *Engine) attempt(ctx context.Context, log *zap.Logger, t schemas.AITarget, build func(profiles.Profile) string) schemas.Outcome {
	outcome := schemas.Outcome{TargetID: t.ID, TargetName: t.Name}

	handle, ok := e.reg.Get(t.ID)
	if !ok {
		// Not mounted yet, or already unmounted. Logged omission only.
		log.Warn("No surface handle for active target; skipping",
			zap.Int64("target_id", t.ID), zap.String("target", t.Name))
		outcome.Status = schemas.OutcomeSkipped
		return outcome
	}

	payload := build(profiles.Resolve(t.Name))
	delivered, err := handle.ExecuteScript(ctx, payload)
	switch {
	case err != nil:
		log.Warn("Script execution failed",
			zap.Int64("target_id", t.ID), zap.String("target", t.Name), zap.Error(err))
		outcome.Status = schemas.OutcomeFailed
		outcome.Err = err.Error()
	case !delivered:
		log.Warn("Script reported delivery not confirmed",
			zap.Int64("target_id", t.ID), zap.String("target", t.Name))
		outcome.Status = schemas.OutcomeFailed
	default:
		log.Debug("Delivered", zap.Int64("target_id", t.ID), zap.String("target", t.Name))
		outcome.Status = schemas.OutcomeDelivered
	}
	return outcome
}

// AnyDelivered reports whether at least one outcome confirmed delivery.
func AnyDelivered(outcomes []schemas.Outcome) bool {
	for _, o := range outcomes {
		if o.Status == schemas.OutcomeDelivered {
			return true
		}
	}
	return false
}
