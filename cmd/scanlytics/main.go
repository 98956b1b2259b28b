package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scanlytics/scanlytics/internal/app"
	"github.com/scanlytics/scanlytics/internal/config"
	"github.com/scanlytics/scanlytics/internal/domain/clinical"
	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/kv"
	"github.com/scanlytics/scanlytics/internal/platform/notification"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scanlytics",
		Short:        "Scanlytics desk client: sync clinical records and manage the session",
		SilenceUsage: true,
	}

	root.AddCommand(syncCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(devserverCmd())
	return root
}

// newLogger builds the process logger: JSON in general, console output in
// development.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// runner is everything a client command needs, built from configuration.
type runner struct {
	cfg     *config.Config
	logger  zerolog.Logger
	client  *app.Client
	feed    *notification.Feed
	metrics *telemetry.Metrics
	state   kv.Store
}

func (r *runner) Close() {
	if err := r.state.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close state store")
	}
}

func bootstrap(ctx context.Context) (*runner, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	state, err := kv.Open(ctx, kv.Options{
		Driver:      cfg.StateDriver,
		Dir:         cfg.StateDir,
		DatabaseURL: cfg.StateDatabaseURL,
		MaxConns:    cfg.StateDBMaxConns,
		MinConns:    cfg.StateDBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := kv.Ping(ctx, state); err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("state store unavailable: %w", err)
	}
	logger.Debug().Str("driver", cfg.StateDriver).Msg("state store ready")

	metrics := telemetry.NewMetrics()
	feed := notification.NewFeed(0, logger)
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayTimeout, logger)

	client := app.New(ctx, app.Deps{
		Gateway:  gw,
		State:    state,
		Logger:   logger,
		Metrics:  metrics,
		Notifier: feed,
	}, app.Options{
		SyncTimeout:    cfg.SyncTimeout,
		MaxImageBytes:  cfg.MaxImageBytes,
		RequireSession: cfg.RequireSession,
	})

	return &runner{cfg: cfg, logger: logger, client: client, feed: feed, metrics: metrics, state: state}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNotifications shows the user-facing messages raised during a command.
func printNotifications(w io.Writer, feed *notification.Feed) {
	for _, n := range feed.Recent() {
		fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// sync
// ---------------------------------------------------------------------------

// collectionsFromArgs maps the sync argument to collection names.
func collectionsFromArgs(args []string) ([]string, error) {
	if len(args) == 0 || args[0] == "all" {
		return app.Collections, nil
	}
	for _, c := range app.Collections {
		if args[0] == c {
			return []string{c}, nil
		}
	}
	return nil, fmt.Errorf("unknown collection %q (want one of %s, all)", args[0], strings.Join(app.Collections, ", "))
}

type noteFilter struct {
	urgent    bool
	patientID string
}

func (f noteFilter) apply(notes []clinical.Note) []clinical.Note {
	if f.patientID != "" {
		notes = clinical.ForPatient(notes, f.patientID)
	}
	if f.urgent {
		notes = clinical.Urgent(notes)
	}
	if notes == nil {
		notes = []clinical.Note{}
	}
	return notes
}

func snapshot(c *app.Client, collection string, f noteFilter) any {
	switch collection {
	case app.Patients:
		return c.Patients.Get()
	case app.Notes:
		return f.apply(c.Notes.Get())
	case app.Reports:
		return c.Reports.Get()
	case app.Users:
		return c.Users.Get()
	}
	return nil
}

func syncCmd() *cobra.Command {
	var filter noteFilter
	cmd := &cobra.Command{
		Use:       "sync [patients|notes|reports|users|all]",
		Short:     "Fetch collections from the backend and print them as JSON",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: append(append([]string{}, app.Collections...), "all"),
		RunE: func(cmd *cobra.Command, args []string) error {
			collections, err := collectionsFromArgs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runSync(ctx, rt.client, collections, filter, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&filter.urgent, "urgent", false, "only print urgent notes")
	cmd.Flags().StringVar(&filter.patientID, "patient", "", "only print notes for this patient id")
	return cmd
}

func runSync(ctx context.Context, client *app.Client, collections []string, filter noteFilter, out io.Writer) error {
	if len(collections) == len(app.Collections) {
		if err := client.SyncAll(ctx); err != nil {
			return err
		}
	} else {
		for _, c := range collections {
			if err := client.Sync(ctx, c); err != nil {
				return err
			}
		}
	}

	result := make(map[string]any, len(collections))
	var failed []string
	for _, c := range collections {
		st, _ := client.Status(c)
		if st.LastError != "" {
			failed = append(failed, fmt.Sprintf("%s: %s", c, st.LastError))
		}
		result[c] = snapshot(client, c, filter)
	}
	if len(collections) == 1 {
		if err := writeJSON(out, result[collections[0]]); err != nil {
			return err
		}
	} else if err := writeJSON(out, result); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync failed for %s", strings.Join(failed, "; "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync every collection on an interval and expose /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx, stop := signalContext()
			defer stop()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runWatch(ctx, rt, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "time between syncs")
	return cmd
}

func runWatch(ctx context.Context, rt *runner, interval time.Duration) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	rt.metrics.Mount(e)
	e.GET("/healthz", kv.HealthHandler(rt.state))
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"session":   rt.client.Session.Current().State.String(),
			"pipelines": rt.client.Statuses(),
		})
	})

	if rt.cfg.MetricsAddr != "" {
		go func() {
			rt.logger.Info().Str("addr", rt.cfg.MetricsAddr).Msg("metrics listening")
			if err := e.Start(rt.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.Shutdown(shutdownCtx)
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := rt.client.SyncAll(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("sync skipped")
		} else {
			for _, st := range rt.client.Statuses() {
				rt.logger.Info().Str("entity", st.Entity).Int("items", st.Items).Str("last_error", st.LastError).Msg("sync status")
			}
		}
		select {
		case <-ctx.Done():
			rt.logger.Info().Msg("watch stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// session
// ---------------------------------------------------------------------------

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the signed-in session",
	}

	withClient := func(run func(ctx context.Context, rt *runner, args []string, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			defer printNotifications(cmd.ErrOrStderr(), rt.feed)
			return run(ctx, rt, args, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "login EMAIL",
		Short: "Sign in as EMAIL",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, rt *runner, args []string, out io.Writer) error {
			if err := rt.client.Login(ctx, args[0]); err != nil {
				return err
			}
			return printSession(out, rt)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the persisted session",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, rt *runner, _ []string, out io.Writer) error {
			if err := rt.client.Logout(ctx); err != nil {
				return err
			}
			return printSession(out, rt)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Confirm the session with the backend",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, rt *runner, _ []string, out io.Writer) error {
			err := rt.client.Validate(ctx)
			if perr := printSession(out, rt); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("validate: %s", gateway.Message(err))
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current session",
		Args:  cobra.NoArgs,
		RunE: withClient(func(_ context.Context, rt *runner, _ []string, out io.Writer) error {
			return printSession(out, rt)
		}),
	})
	return cmd
}

type sessionView struct {
	State       string     `json:"state"`
	Email       string     `json:"email,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

func printSession(out io.Writer, rt *runner) error {
	s := rt.client.Session.Current()
	v := sessionView{State: s.State.String(), Email: s.Email}
	if !s.TokenExpiry.IsZero() {
		exp := s.TokenExpiry
		v.TokenExpiry = &exp
	}
	return writeJSON(out, v)
}

// ---------------------------------------------------------------------------
// analyze
// ---------------------------------------------------------------------------

func analyzeCmd() *cobra.Command {
	var user, model string
	cmd := &cobra.Command{
		Use:   "analyze --model MODEL FILE...",
		Short: "Submit image files for model analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			defer printNotifications(cmd.ErrOrStderr(), rt.feed)
			res, err := rt.client.ProcessImages(ctx, args, user, model)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user name sent with the images (default: session email)")
	cmd.Flags().StringVar(&model, "model", "", "model to run")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
