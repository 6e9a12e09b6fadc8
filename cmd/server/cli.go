package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/db"
	"github.com/sunshow/workgear/sessionstore/internal/engine"
	"github.com/sunshow/workgear/sessionstore/internal/event"
	grpcserver "github.com/sunshow/workgear/sessionstore/internal/grpc"
	"github.com/sunshow/workgear/sessionstore/internal/logging"
	"github.com/sunshow/workgear/sessionstore/internal/operator"
	"github.com/sunshow/workgear/sessionstore/internal/settings"
)

// CLI is the command-line interface of the session store.
type CLI struct {
	Config string `help:"Path to a YAML/JSON/TOML config file" short:"c" type:"path" env:"SESSIONSTORE_CONFIG"`

	Serve   ServeCmd   `cmd:"" help:"Run the worker loop, the monitor scheduler and the health server"`
	Migrate MigrateCmd `cmd:"" help:"Create or update the database schema"`
	Submit  SubmitCmd  `cmd:"" help:"Submit a workflow definition as a new session"`
	Cancel  CancelCmd  `cmd:"" help:"Request cancellation of a session"`
	Status  StatusCmd  `cmd:"" help:"Show the tasks of a session"`

	out io.Writer `kong:"-"`
}

func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// runtime holds what every command needs once settings are loaded.
type runtime struct {
	settings *settings.Settings
	logger   *zap.SugaredLogger
	db       *db.Client
}

func (c *CLI) open(ctx context.Context) (*runtime, error) {
	s, err := settings.Load(c.Config)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(s.Log.Level, s.Log.Development)
	if err != nil {
		return nil, err
	}
	dbClient, err := db.NewClient(ctx, s.DBOptions(), logger, s.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &runtime{settings: s, logger: logger, db: dbClient}, nil
}

func (r *runtime) close() {
	if err := r.db.Close(); err != nil {
		r.logger.Warnw("Failed to close database", "error", err)
	}
	_ = r.logger.Sync()
}

func (r *runtime) newExecutor(bus *event.Bus) *engine.Executor {
	registry := operator.NewRegistry()
	operator.RegisterBuiltins(registry, r.logger)

	return engine.NewExecutor(r.db, bus, registry, r.logger, engine.ExecutorOptions{
		PollInterval: r.settings.Worker.PollInterval,
		BatchSize:    r.settings.Worker.BatchSize,
		Concurrency:  r.settings.Worker.Concurrency,
	})
}

// ─── serve ───

type ServeCmd struct {
	SkipMigrate bool `help:"Do not migrate the schema on startup"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if !s.SkipMigrate {
		if err := rt.db.Migrate(ctx); err != nil {
			return err
		}
	}

	bus := event.NewBus(rt.logger)
	executor := rt.newExecutor(bus)
	monitors := engine.NewMonitorScheduler(rt.db, bus, rt.logger, engine.MonitorOptions{
		Interval:  rt.settings.Monitor.Interval,
		BatchSize: rt.settings.Monitor.BatchSize,
	})
	health := grpcserver.NewHealthServer(rt.db.Ping, 5*time.Second, rt.logger)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.settings.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	rt.logger.Infow("Session store started", "worker_id", executor.WorkerID(), "grpc_port", rt.settings.GRPC.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return executor.Run(gctx) })
	g.Go(func() error { return monitors.Run(gctx) })
	g.Go(func() error { return health.Serve(gctx, lis) })

	err = g.Wait()
	rt.logger.Info("Server stopped")
	return err
}

// ─── migrate ───

type MigrateCmd struct{}

func (m *MigrateCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.db.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cli.stdout(), "Schema is up to date")
	return nil
}

// ─── submit ───

type SubmitCmd struct {
	Definition string            `arg:"" help:"Workflow definition file" type:"existingfile"`
	Site       int               `help:"Site id" default:"0"`
	Name       string            `help:"Session name (defaults to the workflow name)"`
	Param      map[string]string `help:"Session parameter as key=value; JSON values are decoded" short:"p"`
}

func (s *SubmitCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	def, err := engine.LoadDefinition(s.Definition)
	if err != nil {
		return err
	}
	stored, err := rt.newExecutor(nil).Submit(ctx, def, engine.SubmitRequest{
		SiteID: s.Site,
		Name:   s.Name,
		Params: paramsConfig(s.Param),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "Submitted session %d (%s)\n", stored.ID, stored.Name)
	return nil
}

// paramsConfig decodes each value as JSON when it parses and keeps it as a
// string otherwise. Keys are added in sorted order.
func paramsConfig(params map[string]string) config.Config {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cfg := config.New()
	for _, k := range keys {
		v := params[k]
		wrapped, err := config.Parse([]byte(`{"v":` + v + `}`))
		if decoded, ok := wrapped.Get("v"); err == nil && ok {
			cfg = cfg.Set(k, decoded)
		} else {
			cfg = cfg.Set(k, v)
		}
	}
	return cfg
}

// ─── cancel ───

type CancelCmd struct {
	SessionID int64 `arg:"" help:"Session id"`
	Site      int   `help:"Site id" default:"0"`
}

func (c *CancelCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	ok, err := rt.newExecutor(nil).CancelSession(ctx, c.Site, c.SessionID)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(cli.stdout(), "Cancel requested for session %d\n", c.SessionID)
	} else {
		fmt.Fprintf(cli.stdout(), "Session %d has nothing left to cancel\n", c.SessionID)
	}
	return nil
}

// ─── status ───

type StatusCmd struct {
	SessionID int64 `arg:"" help:"Session id"`
	Site      int   `help:"Site id" default:"0"`
}

func (s *StatusCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := cli.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	store := rt.db.SessionStore(s.Site)
	sess, err := store.GetSessionByID(ctx, s.SessionID)
	if err != nil {
		return err
	}
	out := cli.stdout()
	fmt.Fprintf(out, "Session %d  %s  created %s\n", sess.ID, sess.Name, sess.CreatedAt.Format(time.RFC3339))

	const pageSize = 100
	var lastID int64
	for {
		tasks, err := store.GetTasks(ctx, sess.ID, pageSize, lastID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			lastID = t.ID
			line := fmt.Sprintf("  %-6d %-20s %s", t.ID, t.State.String(), t.FullName)
			if t.Error != nil {
				line += "  error: " + t.Error.GetString("message", "")
			}
			fmt.Fprintln(out, line)
		}
		if len(tasks) < pageSize {
			return nil
		}
	}
}
