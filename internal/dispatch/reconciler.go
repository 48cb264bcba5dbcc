package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/registry"
	"github.com/openmux/omnichat/internal/store"
)

// Mounter reconciles the set of mounted browser surfaces with the wanted
// active targets. Satisfied by surface.Manager.
type Mounter interface {
	Apply(ctx context.Context, targets []schemas.AITarget)
}

// Reconciler keeps per-surface session state and the conversation model in
// agreement: it captures session URLs after a send settles, restores them
// when a conversation is switched back to, and resets surfaces that have no
// recorded session for the conversation.
type Reconciler struct {
	store  *store.Store
	reg    *registry.Registry
	engine *Engine
	mounts Mounter
	cfg    config.DispatchConfig
	logger *zap.Logger

	mu sync.Mutex
	// pending is the single outstanding capture. A newer dispatch replaces
	// it, so only the latest send's settle window is observed.
	pending *pendingCapture
}

type pendingCapture struct {
	timer *time.Timer
	done  chan struct{}
}

// NewReconciler wires the reconciler. mounts may be nil when the caller
// manages surface lifecycles itself.
func NewReconciler(st *store.Store, reg *registry.Registry, engine *Engine, mounts Mounter, cfg config.DispatchConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		reg:    reg,
		engine: engine,
		mounts: mounts,
		cfg:    cfg,
		logger: logger.Named("reconciler"),
	}
}

// ScheduleCapture arms a deferred URL capture for the conversation. The
// delay gives the remote site time to rewrite its location after accepting
// the message. Any capture still pending from an earlier send is dropped.
// The returned channel closes once the capture has run or been replaced.
func (r *Reconciler) ScheduleCapture(convID int64) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil && r.pending.timer.Stop() {
		close(r.pending.done)
	}

	done := make(chan struct{})
	r.pending = &pendingCapture{done: done}
	r.pending.timer = time.AfterFunc(r.cfg.CaptureDelay, func() {
		defer close(done)
		r.CaptureURLs(convID)
	})
	return done
}

// CaptureURLs reads the current location of every mounted surface and
// records the non-empty ones against the conversation. A capture where no
// surface reports a URL is discarded rather than wiping earlier data.
func (r *Reconciler) CaptureURLs(convID int64) {
	urls := make(map[int64]string)
	for id, handle := range r.reg.Snapshot() {
		if u := handle.CurrentURL(); u != "" {
			urls[id] = u
		}
	}
	if len(urls) == 0 {
		r.logger.Debug("No session URLs to capture", zap.Int64("conversation_id", convID))
		return
	}
	r.logger.Debug("Captured session URLs",
		zap.Int64("conversation_id", convID), zap.Int("count", len(urls)))
	r.store.SetURLs(convID, urls)
}

// RestoreURLs navigates each mounted surface back to the conversation's
// recorded session URL. Surfaces already at their recorded URL are left
// alone; targets without a handle or without a recorded URL are skipped.
func (r *Reconciler) RestoreURLs(ctx context.Context, conv *schemas.Conversation) {
	for id, url := range conv.URLs {
		handle, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		if handle.CurrentURL() == url {
			r.logger.Debug("Surface already at recorded URL", zap.Int64("target_id", id))
			continue
		}
		if err := handle.Navigate(ctx, url); err != nil {
			r.logger.Warn("Failed to restore session URL",
				zap.Int64("target_id", id), zap.String("url", url), zap.Error(err))
		}
	}
}

// ResetConversation clears every active surface to a fresh thread after the
// settle delay. Used when switching to a conversation with no recorded
// session state.
func (r *Reconciler) ResetConversation(ctx context.Context) []schemas.Outcome {
	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
		return nil
	}
	return r.engine.TriggerNewConversationOnActiveTargets(ctx)
}

// SwitchConversation makes the conversation current, restores its recorded
// active-target set, remounts surfaces to match, and then either restores
// recorded session URLs or resets the surfaces when none exist. The store's
// switching flag stays raised until the whole sequence has finished, so the
// active-set sync rule cannot clobber the conversation's recorded set while
// targets flip state mid-switch. The returned channel closes on completion.
func (r *Reconciler) SwitchConversation(ctx context.Context, convID int64) (<-chan struct{}, error) {
	conv, err := r.store.Get(convID)
	if err != nil {
		return nil, err
	}

	r.store.SetSwitching(true)
	if err := r.store.SetCurrent(convID); err != nil {
		r.store.SetSwitching(false)
		return nil, err
	}
	r.store.RestoreActiveSet(conv)

	if r.mounts != nil {
		r.mounts.Apply(ctx, r.store.ActiveTargets())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer r.store.SetSwitching(false)

		select {
		case <-time.After(r.cfg.SettleDelay):
		case <-ctx.Done():
			return
		}

		if len(conv.URLs) > 0 {
			r.logger.Info("Restoring conversation session URLs",
				zap.Int64("conversation_id", convID), zap.Int("urls", len(conv.URLs)))
			r.RestoreURLs(ctx, conv)
			return
		}

		r.logger.Info("No recorded session URLs; resetting active surfaces",
			zap.Int64("conversation_id", convID))
		r.engine.TriggerNewConversationOnActiveTargets(ctx)
	}()
	return done, nil
}
