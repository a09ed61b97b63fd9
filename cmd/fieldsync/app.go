package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/nhle/fieldsync/internal/connectivity"
	"github.com/nhle/fieldsync/internal/identity"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/observability"
	"github.com/nhle/fieldsync/internal/pin"
	"github.com/nhle/fieldsync/internal/project"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/remote/memstore"
	"github.com/nhle/fieldsync/internal/remote/mongostore"
	"github.com/nhle/fieldsync/internal/remote/rest"
	"github.com/nhle/fieldsync/internal/store"
	fsync "github.com/nhle/fieldsync/internal/sync"
)

// newSessions opens the identity store. Tests replace it with a file
// keyring in a temporary directory.
var newSessions = func() *identity.KeyringProvider {
	return identity.NewKeyringProvider(identity.DefaultKeyringConfig())
}

// globalFlags are accepted by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	offline    bool
}

// flagSet is a command's flag set.
type flagSet struct {
	*pflag.FlagSet
}

func newFlagSet(name string, stderr io.Writer) (*flagSet, *globalFlags) {
	fs := &flagSet{pflag.NewFlagSet(name, pflag.ContinueOnError)}
	fs.SetOutput(stderr)
	g := &globalFlags{}
	fs.StringVarP(&g.configPath, "config", "c", model.DefaultConfigPath(), "config file")
	fs.StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.BoolVar(&g.offline, "offline", false, "skip the connectivity probe and work offline")
	return fs, g
}

// parseFlags parses args and reports the exit code to use when parsing
// ended the command (help or a bad flag).
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// app is the wired client: local store, remote backend, connectivity,
// identity, the project repository and the sync engine.
type app struct {
	cfg       *model.AppConfig
	db        *store.SQLiteStore
	local     *store.Local
	remote    remote.Store
	signal    *connectivity.Signal
	prober    *connectivity.Prober
	sessions  *identity.KeyringProvider
	telemetry *observability.Provider
	repo      *project.Repository
	engine    *fsync.Engine
	logger    *slog.Logger
	closers   []func(context.Context) error
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openApp loads the config and wires every component. logOut receives
// structured logs.
func openApp(ctx context.Context, g *globalFlags, logOut io.Writer) (*app, error) {
	cfg, err := model.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(g.logLevel, logOut)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, sessions: newSessions()}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Local.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	a.db, err = store.NewSQLiteStore(cfg.Local.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
	a.local = store.NewLocal(a.db)

	a.telemetry, err = observability.New(ctx, "fieldsync", cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	metrics, err := a.telemetry.Metrics()
	if err != nil {
		return nil, err
	}

	if err := a.openRemote(ctx); err != nil {
		return nil, err
	}

	a.signal = connectivity.NewSignal(false)
	switch {
	case g.offline:
	case strings.EqualFold(cfg.Remote.Backend, "memory"):
		a.signal.Set(true)
	default:
		a.prober = connectivity.NewProber(cfg.Connectivity.ProbeURL,
			time.Duration(cfg.Connectivity.IntervalSec)*time.Second, a.signal)
		a.prober.ProbeOnce(ctx)
	}

	repoOpts := []project.Option{
		project.WithLogger(logger.With("component", "project")),
		project.WithMetrics(metrics),
		project.WithMaxPinAttempts(cfg.Pin.MaxAttempts),
	}
	if cfg.Pin.RedisAddr != "" {
		client := pin.DialRedis(cfg.Pin.RedisAddr, cfg.Pin.RedisPassword, cfg.Pin.RedisDB)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		ttl := time.Duration(cfg.Pin.ReserveTTLSec) * time.Second
		repoOpts = append(repoOpts, project.WithReserver(pin.NewRedisReserver(client, ttl)))
	}
	a.repo = project.New(a.local, a.remote, a.signal, a.sessions, repoOpts...)

	a.engine = fsync.New(a.local, a.remote, a.repo, a.signal, a.sessions,
		fsync.WithLogger(logger.With("component", "sync")),
		fsync.WithMetrics(metrics),
		fsync.WithBackoff(
			time.Duration(cfg.Sync.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Sync.BackoffMaxSec)*time.Second,
		),
		fsync.WithFlushRate(cfg.Sync.FlushesPerSecond),
	)
	a.repo.OnDelete(a.engine.Forget)
	a.repo.GuardDelete(a.engine.Hold)

	ok = true
	return a, nil
}

func (a *app) openRemote(ctx context.Context) error {
	switch strings.ToLower(a.cfg.Remote.Backend) {
	case "mongo":
		s, client, err := mongostore.Connect(ctx, a.cfg.Remote.URI, a.cfg.Remote.Database)
		if err != nil {
			return err
		}
		a.remote = s
		a.closers = append(a.closers, client.Disconnect)
	case "rest", "":
		a.remote = rest.NewClient(a.cfg.Remote.BaseURL, rest.WithRateLimit(a.cfg.Remote.RequestsPerSecond))
	case "memory":
		a.remote = memstore.New()
	default:
		return fmt.Errorf("unknown remote backend %q", a.cfg.Remote.Backend)
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("closing resource", "error", err)
		}
	}
	a.closers = nil
}
