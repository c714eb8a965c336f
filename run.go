package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/firasghr/mimicry/metrics"
	"github.com/firasghr/mimicry/scheduler"
	"github.com/firasghr/mimicry/session"
	"github.com/firasghr/mimicry/worker"
)

// newRunCmd drives a fleet of sessions against one URL until interrupted:
//  1. Load configuration and the proxy list.
//  2. Create the session manager and all sessions concurrently.
//  3. Start the worker pool and the scheduler.
//  4. Report metrics periodically.
//  5. On ^C or --duration, stop dispatching, drain the workers and close
//     every session.
func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		sessions int
		workers  int
		duration time.Duration
		every    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run URL",
		Short: "Send GET requests to URL from many sessions until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer log.Close()

			m := metrics.NewMetrics()
			mgr, err := session.NewManager(cfg, session.WithLogger(log), session.WithMetrics(m))
			if err != nil {
				return err
			}
			defer mgr.CloseAll()

			log.Infof("creating %d sessions with profile %s", sessions, cfg.Profile)
			if _, err := mgr.CreateSessions(sessions); err != nil {
				return err
			}

			if workers <= 0 {
				workers = cfg.Workers
			}
			wp := worker.New(workers)
			log.Infof("worker pool started with %d workers", wp.Size())

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			target := args[0]
			sc := scheduler.New(mgr, wp)
			sc.Start(ctx, func(ctx context.Context, id int, s *session.Session) {
				resp, err := s.Get(ctx, target)
				if err != nil {
					log.Debug("request failed", "session", id, "error", err)
					return
				}
				if v := resp.Challenge(); v.Challenged() {
					log.Info("challenge detected", "session", id, "kind", v.Kind.String(), "reason", v.Reason)
				}
			})

			report := func(prefix string) {
				snap := m.Snapshot()
				stats := mgr.Pool().Stats()
				log.Infof("%s total: %d | success: %d | failed: %d | retries: %d | rps: %.1f | conns: %d open, %d idle",
					prefix, snap.TotalRequests, snap.Success, snap.Failed, snap.Retries,
					m.RequestsPerSecond(), stats.Open, stats.Idle)
			}

			if every <= 0 {
				every = 10 * time.Second
			}
			ticker := time.NewTicker(every)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-ticker.C:
					report("metrics")
				}
			}

			log.Info("shutting down")
			sc.Stop()
			wp.Stop()
			report("final metrics")
			snap := m.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%d requests, %d ok, %d failed in %s\n",
				snap.TotalRequests, snap.Success, snap.Failed, snap.Uptime.Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&sessions, "sessions", 4, "number of sessions")
	f.IntVar(&workers, "workers", 0, "concurrent requests (default: config workers)")
	f.DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	f.DurationVar(&every, "report-every", 10*time.Second, "metrics report interval")
	return cmd
}
