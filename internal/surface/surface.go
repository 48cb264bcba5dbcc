// Package surface implements the embedded browser surfaces behind the
// schemas.Handle contract. One Chrome tab is mounted per active AI target
// and driven over CDP.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
)

// urlPollInterval bounds how stale the cached location read can get between
// navigations. CurrentURL must stay synchronous per the handle contract, so
// the tab's location is polled in the background instead of fetched on read.
const urlPollInterval = 1 * time.Second

// Surface is one mounted tab. It implements schemas.Handle.
type Surface struct {
	targetID int64
	name     string

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu         sync.RWMutex
	currentURL string

	closeOnce sync.Once
}

var _ schemas.Handle = (*Surface)(nil)

func newSurface(tabCtx context.Context, cancel context.CancelFunc, target schemas.AITarget, cfg config.BrowserConfig, logger *zap.Logger) *Surface {
	s := &Surface{
		targetID: target.ID,
		name:     target.Name,
		ctx:      tabCtx,
		cancel:   cancel,
		logger:   logger.With(zap.Int64("target_id", target.ID), zap.String("target", target.Name)),
		cfg:      cfg,
	}
	go s.pollURL()
	return s
}

// pollURL keeps the cached location fresh until the tab context ends.
func (s *Surface) pollURL() {
	ticker := time.NewTicker(urlPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshURL()
		}
	}
}

func (s *Surface) refreshURL() {
	var loc string
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err := chromedp.Run(ctx, chromedp.Location(&loc))
	cancel()
	if err != nil || loc == "" {
		return
	}
	s.mu.Lock()
	s.currentURL = loc
	s.mu.Unlock()
}

// ExecuteScript evaluates the payload in the tab and reports the boolean it
// resolves to. Evaluation errors are returned to the caller, which treats
// them as delivery-not-confirmed for this target only.
func (s *Surface) ExecuteScript(ctx context.Context, script string) (bool, error) {
	timeout := s.cfg.ScriptTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	execCtx, execCancel := combineContext(s.ctx, ctx)
	defer execCancel()
	opCtx, opCancel := context.WithTimeout(execCtx, timeout)
	defer opCancel()

	var res json.RawMessage
	var loc string
	err := chromedp.Run(opCtx,
		chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
		chromedp.Location(&loc),
	)
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return false, fmt.Errorf("script execution timed out after %v: %w", timeout, opCtx.Err())
		}
		return false, fmt.Errorf("script execution failed: %w", err)
	}

	if loc != "" {
		s.mu.Lock()
		s.currentURL = loc
		s.mu.Unlock()
	}

	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil {
		// Non-boolean results (null, objects) count as unconfirmed delivery.
		s.logger.Debug("Script returned a non-boolean result", zap.ByteString("result", res))
		return false, nil
	}
	return ok, nil
}

// CurrentURL returns the last observed location of the tab.
func (s *Surface) CurrentURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentURL
}

// Navigate loads a URL in the tab and waits out the configured navigation
// timeout at most.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, navCancel := combineContext(s.ctx, ctx)
	defer navCancel()
	opCtx, opCancel := context.WithTimeout(navCtx, timeout)
	defer opCancel()

	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %v: %w", url, timeout, opCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	s.mu.Lock()
	s.currentURL = url
	s.mu.Unlock()
	return nil
}

// Close tears the tab down.
func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing surface")
		s.cancel()
	})
}

// combineContext derives a context canceled when either parent is canceled.
func combineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)
	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()
	return combinedCtx, cancel
}
