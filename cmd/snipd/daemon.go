package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"snipd/internal/clipboard"
	"snipd/internal/config"
	"snipd/internal/expansion"
	"snipd/internal/ipc"
	"snipd/internal/keystroke"
	"snipd/internal/logging"
	"snipd/internal/store"
	"snipd/internal/template"
)

// daemon owns every long-lived component of a running snipd.
type daemon struct {
	version string
	loader  *config.Loader
	logger  *logging.Logger

	store    *store.Store
	accessor clipboard.Accessor
	signal   *clipboard.InternalChange
	borrower *clipboard.Borrower
	monitor  *clipboard.Monitor

	backend     keystroke.Backend
	backendName string
	backendErr  error
	engine      *expansion.Engine

	handler *ipc.DaemonHandler
	server  *ipc.Server
}

// backendFactory builds the input backend; swapped out in tests.
type backendFactory func(name string, opts keystroke.Options) (keystroke.Backend, error)

func newDaemon(configPath, version string) (*daemon, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := logging.New(loggingConfig(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(logger)

	var acc clipboard.Accessor
	if sys, err := clipboard.NewSystem(); err != nil {
		// No clipboard tool: expansions still type, history stays empty.
		logger.Warn("system clipboard unavailable, using in-process clipboard", "error", err)
		acc = clipboard.NewMemoryAccessor("")
	} else {
		acc = sys
	}

	d, err := assembleDaemon(version, loader, logger, acc, keystroke.New)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return d, nil
}

// assembleDaemon opens the store and wires the engine and control socket
// around an already loaded configuration.
func assembleDaemon(version string, loader *config.Loader, logger *logging.Logger, acc clipboard.Accessor, newBackend backendFactory) (*daemon, error) {
	cfg := loader.Config()
	d := &daemon{
		version:  version,
		loader:   loader,
		logger:   logger,
		accessor: acc,
		signal:   clipboard.NewInternalChange(),
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st

	if cfg.Clipboard.EncryptHistory {
		key, err := store.LoadOrCreateHistoryKey(cfg.KeyFilePath())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load history key: %w", err)
		}
		if err := st.EnableHistoryEncryption(key); err != nil {
			st.Close()
			return nil, fmt.Errorf("enable history encryption: %w", err)
		}
	}

	d.borrower = clipboard.NewBorrower(acc, d.signal, cfg.Clipboard.SettleDelay(), component(logger, "clipboard"))
	if cfg.Clipboard.HistoryEnabled {
		d.monitor = clipboard.NewMonitor(acc, d.signal, st, cfg.Clipboard.PollInterval(),
			cfg.Clipboard.MaxHistory, component(logger, "clipboard"))
	}

	d.backendName = cfg.Input.Backend
	backend, err := newBackend(cfg.Input.Backend, backendOptions(cfg, d.borrower, component(logger, "keystroke")))
	if err != nil {
		// Capture problems are reported, not fatal: snippet management
		// over IPC keeps working.
		d.backendErr = err
	}
	d.backend = backend

	resolver := template.NewResolver(st, acc, st)
	if backend != nil {
		d.engine = expansion.New(backend, st, resolver, engineConfig(cfg), component(logger, "engine"))
	}

	schema, err := store.SchemaVersion(st.DB())
	if err != nil {
		logger.Warn("read schema version failed", "error", err)
	}

	hcfg := ipc.DaemonHandlerConfig{
		Version:       version,
		Store:         st,
		Config:        loader,
		SchemaVersion: schema,
		Backend:       d.backendName,
		Logger:        component(logger, "ipc"),
	}
	if d.engine != nil {
		hcfg.Paster = d.engine
	}
	if d.monitor != nil {
		hcfg.Monitor = d.monitor
	}
	if dl, ok := backend.(keystroke.DeviceLister); ok {
		hcfg.Devices = dl.Devices
	}
	d.handler = ipc.NewDaemonHandler(hcfg)

	if cfg.IPC.Enabled {
		d.server, err = ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			Version:        version,
			RequestTimeout: cfg.IPC.RequestTimeout(),
			MaxConnections: cfg.IPC.MaxClients,
			Logger:         logger.Logger,
		}, d.handler)
		if err != nil {
			st.Close()
			return nil, err
		}
		d.handler.SetBroadcaster(d.server.Broadcast)
	}

	return d, nil
}

// run starts every component and blocks until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	log := d.logger.Logger
	log.Info("snipd starting", "version", d.version, "config", d.loader.Path())

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start control socket: %w", err)
		}
	}

	d.loader.OnChange(d.applyConfig)
	if err := d.loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	} else {
		go d.logConfigErrors(ctx)
	}

	if d.monitor != nil {
		d.monitor.Start(ctx)
	}

	if d.engine != nil {
		d.engine.OnExpansion(func(r expansion.Report) {
			if d.server != nil {
				d.server.Broadcast(ipc.NewEvent(ipc.EventExpansion, r))
			}
		})
		if err := d.engine.Start(ctx); err != nil {
			d.backendErr = err
		} else {
			d.handler.SetListening(true)
		}
	}
	if d.backendErr != nil {
		// Surfaced once; the user fixes permissions and restarts.
		log.Error("text expansion unavailable", "error", d.backendErr, "hint", captureHint(d.backendErr))
		d.handler.SetCaptureError(d.backendErr)
	}

	<-ctx.Done()
	log.Info("snipd shutting down")
	if d.server != nil {
		d.server.BroadcastNow(ipc.NewEvent(ipc.EventDaemonShutdown, nil))
	}
	return nil
}

// applyConfig pushes hot-reloadable settings into the running components.
func (d *daemon) applyConfig(old, cfg *config.Config) {
	log := d.logger.Logger

	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		d.logger.SetLevel(level)
	}
	if d.engine != nil {
		d.engine.UpdateConfig(engineConfig(cfg))
	}
	d.borrower.SetSettleDelay(cfg.Clipboard.SettleDelay())

	if old != nil {
		if old.Input != cfg.Input {
			log.Warn("input settings changed; restart snipd to apply them")
		}
		if old.Storage != cfg.Storage || old.IPC != cfg.IPC {
			log.Warn("storage or socket settings changed; restart snipd to apply them")
		}
		if old.Clipboard.HistoryEnabled != cfg.Clipboard.HistoryEnabled ||
			old.Clipboard.PollIntervalMs != cfg.Clipboard.PollIntervalMs {
			log.Warn("clipboard history settings changed; restart snipd to apply them")
		}
	}

	log.Info("configuration reloaded", "path", d.loader.Path())
	if d.server != nil {
		d.server.Broadcast(ipc.NewEvent(ipc.EventConfigReloaded, map[string]string{"path": d.loader.Path()}))
	}
}

func (d *daemon) logConfigErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.logger.Warn("config reload rejected, keeping previous settings", "error", err)
		}
	}
}

func (d *daemon) close() {
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop control socket", "error", err)
		}
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.engine != nil {
		d.engine.Wait()
	}
	if c, ok := d.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("close input backend", "error", err)
		}
	}
	d.loader.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store", "error", err)
	}
	d.logger.Info("snipd stopped")
	d.logger.Close()
}

func captureHint(err error) string {
	switch {
	case errors.Is(err, keystroke.ErrPermissionDenied):
		return "add your user to the input group or install the udev rule for /dev/input and /dev/uinput"
	case errors.Is(err, keystroke.ErrCaptureUnavailable):
		return "no keyboard was found; check that a keyboard is connected"
	case errors.Is(err, keystroke.ErrNotAvailable):
		return "this build has no input backend for the current session; set input.backend"
	default:
		return "restart snipd after fixing the problem"
	}
}

func component(l *logging.Logger, name string) *slog.Logger {
	return l.WithComponent(name).Logger
}

func engineConfig(cfg *config.Config) expansion.Config {
	return expansion.Config{
		BufferSize:        cfg.Engine.BufferSize,
		SettleDelay:       cfg.Engine.SettleDelay(),
		CursorSettleDelay: cfg.Engine.CursorSettleDelay(),
		EchoWindow:        cfg.Engine.EchoWindow(),
		TieBreak:          cfg.Engine.TieBreak,
	}
}

func backendOptions(cfg *config.Config, b *clipboard.Borrower, logger *slog.Logger) keystroke.Options {
	return keystroke.Options{
		Layout:            cfg.Input.Layout,
		InjectStrategy:    cfg.Input.InjectStrategy,
		PasteChord:        cfg.Input.PasteChord,
		KeyDelay:          cfg.Input.KeyDelay(),
		DeviceName:        cfg.Input.DeviceName,
		WatchDevices:      cfg.Input.WatchDevices,
		ResetOnNavigation: cfg.Engine.ResetOnNavigation,
		Borrower:          b,
		Logger:            logger,
	}
}

func loggingConfig(lc config.LoggingConfig) *logging.Config {
	out := logging.DefaultConfig()
	if level, err := logging.ParseLevel(lc.Level); err == nil {
		out.Level = level
	}
	out.Format = logging.ParseFormat(lc.Format)
	if lc.Output != "" {
		out.Output = lc.Output
	}
	if lc.FilePath != "" {
		out.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		out.MaxSize = int64(lc.MaxSizeMB)
	}
	if lc.MaxBackups > 0 {
		out.MaxBackups = lc.MaxBackups
	}
	if lc.MaxAgeDays > 0 {
		out.MaxAge = lc.MaxAgeDays
	}
	return out
}
