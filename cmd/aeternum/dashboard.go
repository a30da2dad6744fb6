package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"aeternum/internal/audio"
	"aeternum/internal/config"
	"aeternum/internal/domain"
	"aeternum/internal/journal"
	"aeternum/internal/poller"
	"aeternum/internal/relay"
	"aeternum/internal/secrets"
	"aeternum/internal/session"
	"aeternum/internal/tui"
)

// Swapped by tests.
var (
	runTUI = func(ctx context.Context, m tui.Model) error { return tui.Run(ctx, m) }

	newBotAPI = func(token string) (relay.BotAPI, error) { return tgbotapi.NewBotAPI(token) }
)

// senderFunc adapts a function to relay.CommandSender.
type senderFunc func(string) error

func (f senderFunc) SendCommand(text string) error { return f(text) }

// openLogFile returns the dashboard log destination. The terminal belongs to
// the TUI, so logs never go to stderr here.
func openLogFile(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("log file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// dashboard is the wired set of collaborators behind the TUI.
type dashboard struct {
	app     *app
	session *session.Manager
	poller  *poller.Poller
	journal *journal.Journal
	relay   *relay.Relay
	spool   *audio.Spool
	watcher *config.Watcher
}

// buildDashboard wires the session, panels poller and the optional journal,
// relay and audio spool from a.cfg. Nothing is started.
func buildDashboard(ctx context.Context, a *app) (*dashboard, error) {
	d := &dashboard{app: a}
	cfg := a.cfg
	opts := a.sessionOptions()

	if cfg.Journal.URL != "" {
		j, err := journal.Open(ctx, cfg.Journal.URL, journal.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		d.journal = j
		opts = append(opts, session.WithRecorder(j))
	}

	if cfg.Relay.TelegramChatID != 0 {
		if token := a.secret(secrets.KeyTelegramToken, ""); token != "" {
			bot, err := newBotAPI(token)
			if err != nil {
				d.close()
				return nil, fmt.Errorf("relay: %w", err)
			}
			d.relay = relay.New(bot, cfg.Relay.TelegramChatID,
				relay.WithMinLevel(domain.ParseLevel(cfg.Relay.MinLevel)),
				relay.WithCommandSender(senderFunc(func(text string) error { return d.session.SendCommand(text) })),
				relay.WithLogger(a.logger),
			)
			opts = append(opts, session.WithRecorder(d.relay))
		} else {
			a.logger.Warn("relay chat configured but no telegram token stored", "key", secrets.KeyTelegramToken)
		}
	}

	if cfg.Audio.SpoolDir != "" {
		sp, err := audio.NewSpool(cfg.Audio.SpoolDir, audio.WithLogger(a.logger))
		if err != nil {
			d.close()
			return nil, err
		}
		d.spool = sp
		opts = append(opts, session.WithAudioSink(sp))
	}

	client, err := a.newBackendClient()
	if err != nil {
		d.close()
		return nil, err
	}
	d.poller = poller.NewPoller(poller.NewRobfigCronEngine(a.logger), client,
		poller.WithLogger(a.logger),
		poller.WithTimeout(millis(cfg.Backend.TimeoutMs)),
	)
	if err := d.poller.Reconcile(poller.FromConfig(cfg.Panels)); err != nil {
		a.logger.Warn("some panels were rejected", "error", err)
	}

	d.session = session.New(cfg.Backend.WSURL, opts...)
	if a.found {
		d.watcher = config.NewWatcher(a.cfgPath, config.Load, config.WithWatchLogger(a.logger))
	}
	return d, nil
}

// onConfigReload applies hot-reloadable settings: the panel list.
func (d *dashboard) onConfigReload(cfg *domain.Config, err error) {
	if err != nil {
		d.app.logger.Warn("config reload rejected", "error", err)
		return
	}
	if err := d.poller.Reconcile(poller.FromConfig(cfg.Panels)); err != nil {
		d.app.logger.Warn("some panels were rejected", "error", err)
	}
	d.app.logger.Info("panels reloaded", "count", len(d.poller.Panels()))
}

// run starts every component, blocks in the TUI and tears everything down
// when the TUI exits or ctx ends.
func (d *dashboard) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if d.relay != nil {
		g.Go(func() error { d.relay.Start(gctx); return nil })
	}
	if d.spool != nil {
		g.Go(func() error { d.spool.Start(gctx); return nil })
	}
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(gctx, d.onConfigReload); err != nil {
				d.app.logger.Warn("config watch disabled", "error", err)
			}
			return nil
		})
	}

	d.poller.Start()
	defer d.poller.Stop()
	g.Go(func() error { d.poller.RefreshAll(gctx); return nil })

	if err := d.session.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer d.session.Stop()

	g.Go(func() error {
		defer cancel()
		return runTUI(gctx, tui.New(d.session, tui.WithPanels(d.poller)))
	})
	return g.Wait()
}

func (d *dashboard) close() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.app.logger.Warn("journal close", "error", err)
		}
	}
}

func runDashboard(cmd *cobra.Command, bm buildMeta) error {
	a, err := loadApp(cmd, io.Discard)
	if err != nil {
		return err
	}
	logOut, closeLog, err := openLogFile(a.cfg.Infra.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	a.logger = config.NewLogger(logOut, a.cfg.Infra)
	a.logger.Info("dashboard starting", "version", bm.Version, "ws", a.cfg.Backend.WSURL, "api", a.cfg.Backend.APIBase)

	ctx, stop := shutdownContext(cmd.Context())
	defer stop()
	d, err := buildDashboard(ctx, a)
	if err != nil {
		return err
	}
	defer d.close()
	err = d.run(ctx)
	a.logger.Info("dashboard stopped", "error", err)
	return err
}
