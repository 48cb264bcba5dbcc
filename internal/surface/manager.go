package surface

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmux/omnichat/api/schemas"
	"github.com/openmux/omnichat/internal/config"
	"github.com/openmux/omnichat/internal/registry"
)

// Manager owns the shared browser process and the per-target tabs. Mounting
// a target creates a tab, navigates it to the target's entry URL and
// registers its handle; unmounting reverses that.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	reg    *registry.Registry

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	surfaces map[int64]*Surface

	closeOnce sync.Once
}

// NewManager launches (or attaches to) the browser. The returned manager has
// no tabs mounted yet.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger, reg *registry.Registry) (*Manager, error) {
	log := logger.Named("surface")

	var allocCtx context.Context
	var allocCancel context.CancelFunc

	if cfg.RemoteURL != "" {
		log.Info("Attaching to remote browser", zap.String("url", cfg.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		opts := []chromedp.ExecAllocatorOption{
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			// Keep the automation indicators quiet so the target sites treat
			// the tabs as ordinary sessions.
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("exclude-switches", "enable-automation"),
			chromedp.Flag("disable-infobars", true),
			chromedp.Flag("disable-popup-blocking", true),
			chromedp.Flag("disable-session-crashed-bubble", true),
			chromedp.Flag("hide-crash-restore-bubble", true),
			chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		}
		if cfg.ProfileDir != "" {
			if err := os.MkdirAll(cfg.ProfileDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create browser profile dir: %w", err)
			}
			opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		if cfg.Headless {
			opts = append(opts, chromedp.Headless)
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		log.Info("Launching browser",
			zap.Bool("headless", cfg.Headless), zap.String("profile_dir", cfg.ProfileDir))
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Run with no actions starts the browser eagerly so mount failures are
	// not misattributed to the first target.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		logger:        log,
		reg:           reg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		surfaces:      make(map[int64]*Surface),
	}, nil
}

// Mount creates a tab for the target, navigates it to the entry URL and
// registers the handle. Mounting an already mounted target replaces its tab.
func (m *Manager) Mount(ctx context.Context, target schemas.AITarget) error {
	m.mu.Lock()
	if old, ok := m.surfaces[target.ID]; ok {
		old.Close()
		delete(m.surfaces, target.ID)
	}
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	s := newSurface(tabCtx, tabCancel, target, m.cfg, m.logger)

	if err := s.Navigate(ctx, target.URL); err != nil {
		s.Close()
		return fmt.Errorf("failed to mount surface for %q: %w", target.Name, err)
	}

	m.mu.Lock()
	m.surfaces[target.ID] = s
	m.mu.Unlock()
	m.reg.Register(target.ID, s)

	m.logger.Info("Surface mounted",
		zap.Int64("target_id", target.ID), zap.String("target", target.Name))
	return nil
}

// Unmount closes the target's tab and unregisters its handle.
func (m *Manager) Unmount(targetID int64) {
	m.mu.Lock()
	s, ok := m.surfaces[targetID]
	if ok {
		delete(m.surfaces, targetID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.reg.Unregister(targetID)
	s.Close()
	m.logger.Info("Surface unmounted", zap.Int64("target_id", targetID))
}

// Apply reconciles the mounted tab set against the given target list:
// active targets without a tab are mounted concurrently, tabs whose target
// is inactive or gone are unmounted. Individual mount failures are logged
// and skipped; the dispatch layer records the missing handle per attempt.
func (m *Manager) Apply(ctx context.Context, targets []schemas.AITarget) {
	wanted := make(map[int64]schemas.AITarget)
	for _, t := range targets {
		if t.Active {
			wanted[t.ID] = t
		}
	}

	m.mu.Lock()
	var stale []int64
	for id := range m.surfaces {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, id)
		}
	}
	mounted := make(map[int64]bool, len(m.surfaces))
	for id := range m.surfaces {
		mounted[id] = true
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Unmount(id)
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, t := range wanted {
		if mounted[id] {
			continue
		}
		target := t
		g.Go(func() error {
			if err := m.Mount(gctx, target); err != nil {
				m.logger.Warn("Failed to mount surface",
					zap.String("target", target.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close tears down every tab and the browser process.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for id, s := range m.surfaces {
			m.reg.Unregister(id)
			s.Close()
		}
		m.surfaces = make(map[int64]*Surface)
		m.mu.Unlock()

		m.browserCancel()
		m.allocCancel()
		m.logger.Info("Browser closed")
	})
}
