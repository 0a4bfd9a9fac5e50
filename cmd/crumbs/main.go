package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"crumbs/internal/autosave"
	cl "crumbs/internal/cli"
	"crumbs/internal/config"
	"crumbs/internal/game"
	"crumbs/internal/identity"
	"crumbs/internal/syncq"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadClientFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "crumbs",
		Short:         "Cookie clicker with cloud saves",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "persistence API base URL")
	root.PersistentFlags().StringVar(&cfg.UserID, "user", cfg.UserID, "play as this user id")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "local identity, stash and log directory")

	root.AddCommand(
		newPlayCmd(&cfg),
		newIdleCmd(&cfg),
		newStatusCmd(&cfg),
		newExportCmd(&cfg),
		newWhoamiCmd(&cfg),
		newForgetCmd(&cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		printError("error: " + err.Error())
		os.Exit(1)
	}
}

func newClient(cfg *config.ClientConfig) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/"), cfg.RequestTimeout)
}

func newResolver(cfg *config.ClientConfig) *identity.Resolver {
	return identity.NewResolver(identity.Options{
		ExplicitID:       cfg.UserID,
		TelegramInitData: cfg.TelegramInit,
		TelegramBotToken: cfg.TelegramToken,
		DataDir:          cfg.DataDir,
		Timeout:          cfg.IdentityTimeout,
	})
}

// session wires one running game: state, clock, autosave loop and health checks.
type session struct {
	cfg    *config.ClientConfig
	log    *slog.Logger
	state  *game.State
	clock  *game.Clock
	syncer *autosave.Syncer
	client *cl.Client
}

func startSession(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) *session {
	state := game.NewState(nil, game.WithClickCooldown(cfg.ClickCooldown))
	client := newClient(cfg)
	syncer := autosave.New(state, client, autosave.Options{
		SaveEvery:      cfg.SaveEvery,
		MinSaveSpacing: cfg.MinSaveSpacing,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		RequestTimeout: cfg.RequestTimeout,
		Stash:          syncq.New(cfg.DataDir),
		Logger:         logger,
	})
	s := &session{
		cfg:    cfg,
		log:    logger,
		state:  state,
		clock:  game.NewClock(state, cfg.TickEvery),
		syncer: syncer,
		client: client,
	}

	syncer.Start(ctx, newResolver(cfg))
	go func() {
		select {
		case <-syncer.Ready():
			s.clock.Start(ctx)
		case <-ctx.Done():
		}
	}()
	go s.watchHealth(ctx)
	return s
}

// watchHealth checks /healthz while the syncer is degraded or offline and reports the result.
func (s *session) watchHealth(ctx context.Context) {
	every := s.cfg.HealthEvery
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.syncer.Status()
			if !st.Degraded && !st.Offline {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			err := s.client.Healthz(pctx)
			cancel()
			if err != nil {
				s.log.Debug("health check failed", "err", err)
			}
			s.syncer.SetOnline(err == nil)
		}
	}
}

// close stops the clock and makes one bounded save attempt.
func (s *session) close() error {
	s.clock.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	err := s.syncer.Flush(ctx)
	if err != nil {
		s.log.Warn("final save failed", "err", err)
	}
	return err
}

func newPlayCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Play in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				printWarn("stdout is not a terminal; running headless.")
				return runIdle(cmd.Context(), cfg, false, false)
			}
			logger, closeLog, err := fileLogger(cfg.DataDir)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sess := startSession(ctx, cfg, logger)
			if err := runTUI(ctx, sess); err != nil {
				return err
			}
			cancel()
			if err := sess.close(); err != nil {
				printWarn(fmt.Sprintf("Could not save on exit (%v). Progress is stashed locally and will sync next time.", err))
				return nil
			}
			printSuccess("Progress saved.")
			return nil
		},
	}
}

func newIdleCmd(cfg *config.ClientConfig) *cobra.Command {
	var once, autobuy bool
	cmd := &cobra.Command{
		Use:   "idle",
		Short: "Run the bakery unattended with autosave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdle(cmd.Context(), cfg, once, autobuy)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "load, save once and exit")
	cmd.Flags().BoolVar(&autobuy, "autobuy", false, "buy the cheapest affordable producer every tick")
	return cmd
}

// runIdle is the unattended loop: load, tick, optionally buy, save on the syncer's schedule.
func runIdle(ctx context.Context, cfg *config.ClientConfig, once, autobuy bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := startSession(ctx, cfg, logger)

	select {
	case <-sess.syncer.Ready():
	case <-ctx.Done():
		return nil
	}
	if once {
		cancel()
		return sess.close()
	}

	ticker := time.NewTicker(cfg.SaveEvery)
	defer ticker.Stop()
	buyTicker := time.NewTicker(cfg.TickEvery)
	defer buyTicker.Stop()
	logger.Info("idle started", "save_every", cfg.SaveEvery.String(), "autobuy", autobuy)
	for {
		select {
		case <-ctx.Done():
			logger.Info("idle shutdown")
			return sess.close()
		case <-buyTicker.C:
			if autobuy {
				buyCheapest(sess.state, logger)
			}
		case <-ticker.C:
			st := sess.syncer.Status()
			logger.Info("bakery",
				"cookies", sess.state.Currency(),
				"cps", sess.state.YieldPerSecond(),
				"sync", st.State.String(),
				"degraded", st.Degraded,
				"last_saved_at", st.LastSavedAt,
			)
		}
	}
}

func buyCheapest(state *game.State, logger *slog.Logger) {
	best, bestCost := -1, 0.0
	for i := range state.Producers() {
		if !state.Unlocked(i) {
			continue
		}
		cost, err := state.NextCost(i)
		if err != nil {
			continue
		}
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if best < 0 || state.Currency() < bestCost {
		return
	}
	if cost, err := state.Purchase(best); err == nil {
		logger.Info("autobuy", "producer", state.Producers()[best].Name, "cost", cost)
	}
}

func newStatusCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved bakery for this user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+cfg.IdentityTimeout)
			defer cancel()
			id, err := newResolver(cfg).Resolve(ctx)
			if err != nil {
				return err
			}
			resp, err := newClient(cfg).LoadUserData(ctx, id.UserID)
			if err != nil {
				return err
			}
			if !resp.Found {
				printInfo(fmt.Sprintf("No saved game yet for %s. Run `crumbs play` to start one.", id.UserID))
				return nil
			}
			state := game.NewState(nil)
			state.ApplySnapshot(resp.Record.Snapshot())
			renderStatus(os.Stdout, id.UserID, state, resp.Record.LastUpdated)
			return nil
		},
	}
}

func newExportCmd(cfg *config.ClientConfig) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the saved game as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+cfg.IdentityTimeout)
			defer cancel()
			userID, err := newResolver(cfg).UserID(ctx)
			if err != nil {
				return err
			}
			raw, err := newClient(cfg).ExportUserData(ctx, userID)
			if err != nil {
				var statusErr *cl.StatusError
				if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
					printWarn("Nothing saved yet.")
					return nil
				}
				return err
			}
			if out == "-" {
				_, err := os.Stdout.Write(append(raw, '\n'))
				return err
			}
			if err := os.WriteFile(out, append(raw, '\n'), 0o600); err != nil {
				return err
			}
			printSuccess("Saved " + out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "cookie_clicker_data.json", "output file, - for stdout")
	return cmd
}

func newWhoamiCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user id this client plays as",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := newResolver(cfg).Resolve(cmd.Context())
			if err != nil {
				return err
			}
			accent.Print(id.UserID)
			neutral.Printf("  (%s)\n", id.Source)
			if id.Source == identity.SourceGenerated {
				printWarn("This id could not be stored locally and will change on the next run.")
			}
			return nil
		},
	}
}

func newForgetCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Drop the locally generated user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newResolver(cfg).Forget(); err != nil {
				return err
			}
			printSuccess("Local identity removed. The next run starts a new bakery.")
			return nil
		},
	}
}

func fileLogger(dir string) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "crumbs.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }, nil
}
