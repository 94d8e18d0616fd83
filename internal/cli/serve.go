package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rvacal/internal/config"
	"rvacal/internal/feed"
	appLog "rvacal/internal/log"
	"rvacal/internal/metrics"
	"rvacal/internal/pipeline"
	"rvacal/internal/scheduler"
	"rvacal/internal/web"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config if set)")
	serveCmd.Flags().Bool("skip-initial", false, "Do not run the pipeline at startup; wait for the first tick")
	serveCmd.Flags().Bool("no-watch", false, "Do not reload the config file on change")
}

// serveCmd runs the long-lived server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the feed over HTTP and refresh it on a schedule",
	Args:  cobra.NoArgs,
	RunE:  handleServe,
}

func handleServe(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	skipInitial, _ := cmd.Flags().GetBool("skip-initial")
	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if listen != "" {
		cfg.Listen = listen
	}

	m := metrics.New()
	svc, err := openService(cfg, feed.WithMetrics(m))
	if err != nil {
		return err
	}

	refresh := func(ctx context.Context) {
		if _, err := svc.Run(ctx, pipeline.Options{}); err != nil && ctx.Err() == nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}
	sched, err := scheduler.New(cfg.RefreshCron, cfg.Location(), refresh)
	if err != nil {
		return err
	}
	srv := web.NewServer(svc, m.Handler())

	appLog.Info("rvacal serving",
		"version", Version,
		"listen", cfg.Listen,
		"refresh", cfg.RefreshCron,
		"timezone", cfg.Timezone,
		"sources", cfg.SourceIDs(),
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return srv.Serve(ctx, cfg.Listen) })
	g.Go(func() error { return sched.Run(ctx) })
	if !noWatch {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(next *config.Config) {
				applyReload(svc, sched, next)
			})
		})
	}
	if !skipInitial {
		g.Go(func() error {
			refresh(ctx)
			return nil
		})
	}

	err = g.Wait()
	appLog.Info("rvacal exiting")
	return err
}

// applyReload pushes a re-read config into the running components. The
// listen address and timezone of the scheduler need a restart.
func applyReload(svc *feed.Service, sched *scheduler.Scheduler, next *config.Config) {
	prev := svc.Config()
	if err := svc.Reconfigure(next); err != nil {
		appLog.Warn("config reload rejected; keeping previous sources", err)
		return
	}
	if err := sched.Reschedule(next.RefreshCron); err != nil {
		appLog.Warn("refresh schedule not updated", err)
	}
	level := next.Log.Level
	if verbose {
		level = "debug"
	}
	appLog.Configure(level, next.Log.Format)
	if next.Listen != prev.Listen || next.Timezone != prev.Timezone {
		appLog.Warn("listen address or timezone changed; restart to apply", nil,
			"listen", next.Listen, "timezone", next.Timezone)
	}
}
