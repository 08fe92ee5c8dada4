package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentstation/bottleneck"
	"github.com/agentstation/bottleneck/config"
	"github.com/agentstation/bottleneck/httpapi"
	"github.com/agentstation/bottleneck/script"
	"github.com/agentstation/bottleneck/zaplog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the executors and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := zaplog.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	adapter := zaplog.NewAdapter(logger)

	executors := make(map[string]*bottleneck.Executor, len(cfg.Executors))
	for tag, ec := range cfg.Executors {
		handler, err := script.Load(ec.Script, script.WithLogger(adapter))
		if err != nil {
			return fmt.Errorf("executor %q: %w", tag, err)
		}

		opts := []bottleneck.Option{bottleneck.WithLogger(adapter)}
		if ec.Interval > 0 {
			opts = append(opts, bottleneck.WithInterval(ec.Interval.Std()))
		}
		if ec.Retention > 0 {
			opts = append(opts, bottleneck.WithRetention(ec.Retention.Std()))
		}
		if ec.MaxPending > 0 {
			opts = append(opts, bottleneck.WithMaxPending(ec.MaxPending))
		}
		executors[tag] = bottleneck.NewExecutor(handler, opts...)
		logger.Info("executor configured", zap.String("tag", tag), zap.String("script", ec.Script))
	}

	router, err := bottleneck.NewRouter(executors, bottleneck.WithRouterLogger(adapter))
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(router,
		httpapi.WithAddr(cfg.Server.Addr),
		httpapi.WithLogger(logger),
		httpapi.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std()),
		httpapi.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	)

	for _, rc := range cfg.Routes {
		key := bottleneck.RouteKey(rc.Key)
		if err := router.Register(key, passthrough, nil, rc.Executor); err != nil {
			return fmt.Errorf("route %q: %w", key, err)
		}
		if rc.Schema != "" {
			schemaJSON, err := os.ReadFile(rc.Schema) // #nosec G304 - Path comes from the operator.
			if err != nil {
				return fmt.Errorf("route %q: read schema: %w", key, err)
			}
			if err := srv.SetSchema(key, schemaJSON); err != nil {
				return fmt.Errorf("route %q: %w", key, err)
			}
		}
		logger.Info("route registered", zap.String("key", key.String()), zap.String("executor", rc.Executor))
	}

	if err := router.StartAll(); err != nil {
		return err
	}
	defer router.StopAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// passthrough hands the parsed argument object to the script unchanged.
func passthrough(args map[string]any) (any, any, error) {
	return args, nil, nil
}
