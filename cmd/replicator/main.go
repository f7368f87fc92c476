package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/config"
	"github.com/0xAidan/polymarket-bot-test-sub001/handlers"
	"github.com/0xAidan/polymarket-bot-test-sub001/middleware"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
	"github.com/0xAidan/polymarket-bot-test-sub001/storage"
	"github.com/0xAidan/polymarket-bot-test-sub001/syncer"
)

func main() {
	// .env is optional; real deployments use environment variables.
	godotenv.Load()

	root := &cobra.Command{
		Use:          "replicator",
		Short:        "Trade replication engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("follower-address", "", "follower account address")
	root.PersistentFlags().String("database-dsn", "", "Postgres DSN (empty = in-memory store)")
	root.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication engine",
		RunE:  runEngine,
	}
	runCmd.Flags().StringSlice("source-address", nil, "source addresses to track (comma-separated)")
	runCmd.Flags().Bool("push-enabled", true, "enable the push feed")
	runCmd.Flags().Duration("poll-interval", 30*time.Second, "position poll interval")
	runCmd.Flags().Duration("dedup-ttl", 24*time.Hour, "idempotency key horizon")
	runCmd.Flags().Bool("dry-run", false, "log orders instead of submitting them")
	runCmd.Flags().String("http-addr", "localhost:8080", "control API listen address (empty = disabled)")
	root.AddCommand(runCmd)

	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Reconcile the follower portfolio against a source in one batch",
		RunE:  runMirror,
	}
	mirrorCmd.Flags().String("source", "", "source address to mirror")
	mirrorCmd.Flags().Float64("slippage", 1.0, "slippage percent applied to each leg")
	mirrorCmd.Flags().Bool("yes", false, "execute without confirmation")
	mirrorCmd.Flags().Bool("dry-run", false, "plan and simulate only")
	root.AddCommand(mirrorCmd)

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage tracked sources",
	}
	addCmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a source with default settings",
		Args:  cobra.ExactArgs(1),
		RunE:  addSource,
	}
	addCmd.Flags().String("label", "", "display label")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked sources",
		RunE:  listSources,
	}
	sourcesCmd.AddCommand(addCmd, listCmd)
	root.AddCommand(sourcesCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.FollowerAddress == "" {
		return fmt.Errorf("follower-address is required")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	client := api.NewClient(cfg.DataAPIURL, cfg.ClobAPIURL, log)

	// Register any sources given on the command line before loading the set.
	for _, addr := range cfg.SourceAddresses {
		existing, err := store.GetTrackedSource(ctx, addr)
		if err != nil {
			return fmt.Errorf("lookup source %s: %w", addr, err)
		}
		if existing != nil {
			continue
		}
		if err := store.SaveTrackedSource(ctx, models.TrackedSource{
			Address:  api.NormalizeAddress(addr),
			Active:   true,
			Settings: models.DefaultSourceSettings(),
		}); err != nil {
			return fmt.Errorf("register source %s: %w", addr, err)
		}
		log.Infow("registered source", "address", addr)
	}

	var transport api.SubscriptionTransport
	if cfg.PushEnabled {
		transport = api.NewWSTransport(cfg.WSURL, false, log)
	}

	source := syncer.NewEventSource(client, transport, cfg.PollInterval, log)
	engine := syncer.NewEngine(client, store, source, syncer.EngineConfig{
		FollowerAddress:  api.NormalizeAddress(cfg.FollowerAddress),
		PollInterval:     cfg.PollInterval,
		DedupTTL:         cfg.DedupTTL,
		StaleEventMaxAge: cfg.StaleEventMaxAge,
		SnapshotInterval: cfg.SnapshotInterval,
		BalanceCacheTTL:  cfg.BalanceCacheTTL,
		DryRun:           cfg.DryRun,
	}, log)

	if err := engine.Start(ctx); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		srv := newControlServer(cfg.HTTPAddr, engine, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("control API stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Infow("control API listening", "addr", cfg.HTTPAddr)
	}

	log.Infow("replicator running",
		"follower", cfg.FollowerAddress,
		"pushEnabled", cfg.PushEnabled,
		"pollInterval", cfg.PollInterval,
		"dryRun", cfg.DryRun)

	<-ctx.Done()
	engine.Stop()
	return nil
}

func runMirror(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	sourceAddr, _ := cmd.Flags().GetString("source")
	if sourceAddr == "" {
		return fmt.Errorf("--source is required")
	}
	if cfg.FollowerAddress == "" {
		return fmt.Errorf("follower-address is required")
	}
	slippage, _ := cmd.Flags().GetFloat64("slippage")
	yes, _ := cmd.Flags().GetBool("yes")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	client := api.NewClient(cfg.DataAPIURL, cfg.ClobAPIURL, log)
	follower := api.NormalizeAddress(cfg.FollowerAddress)
	executor := syncer.NewOrderExecutor(client, store, log, dryRun || cfg.DryRun)
	mirror := syncer.NewPositionMirror(client, executor, store, follower, log)

	trades, err := mirror.Plan(ctx, api.NormalizeAddress(sourceAddr))
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Println("portfolios already match, nothing to do")
		return nil
	}

	fmt.Printf("%-8s %-10s %10s %8s %10s  %s\n", "SIDE", "STATUS", "SIZE", "PRICE", "NOTIONAL", "MARKET")
	for _, t := range trades {
		note := t.Reason
		fmt.Printf("%-8s %-10s %10.2f %8.3f %9.2f$  %s %s\n",
			t.Side, t.Status, t.Size, t.Price, t.NotionalUSD, t.Title, note)
	}

	if !yes {
		fmt.Print("execute selected legs? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	run, err := mirror.Execute(ctx, api.NormalizeAddress(sourceAddr), trades, slippage)
	if err != nil {
		return err
	}

	fmt.Printf("sells: %d ok, %d failed; buys: %d ok, %d failed (balance %.2f -> %.2f)\n",
		run.SellSuccesses, run.SellFailures, run.BuySuccesses, run.BuyFailures,
		run.PreSellBalance, run.PostSellBalance)
	return nil
}

func addSource(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	label, _ := cmd.Flags().GetString("label")

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger.Sugar())
	if err != nil {
		return err
	}
	defer store.Close()

	addr := api.NormalizeAddress(args[0])
	if err := store.SaveTrackedSource(ctx, models.TrackedSource{
		Address:  addr,
		Label:    label,
		Active:   true,
		Settings: models.DefaultSourceSettings(),
	}); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", addr)
	return nil
}

func listSources(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger.Sugar())
	if err != nil {
		return err
	}
	defer store.Close()

	sources, err := store.ListTrackedSources(ctx, false)
	if err != nil {
		return err
	}
	for _, s := range sources {
		state := "inactive"
		if s.Active {
			state = "active"
		}
		fmt.Printf("%s  %-8s %-12s sizing=%s\n", s.Address, state, s.Label, s.Settings.SizingMode)
	}
	return nil
}

func newControlServer(addr string, engine *syncer.Engine, log *zap.SugaredLogger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.BasicAuth(), middleware.ValidateQueryParams())

	h := handlers.NewHandler(engine, log)

	r.GET("/api/status", h.GetStatus)
	r.GET("/api/metrics", h.GetMetrics)
	r.GET("/api/sources", h.GetSources)
	r.POST("/api/sources", h.AddSource)

	byID := r.Group("/api/sources/:id", middleware.ValidateSourceAddress())
	byID.PATCH("", h.SetSourceActive)
	byID.GET("/executions", h.GetExecutions)
	byID.GET("/rate-window", h.GetRateWindow)
	byID.DELETE("/no-repeat", h.ClearNoRepeat)
	byID.GET("/mirror/plan", h.PlanMirror)
	byID.POST("/mirror/execute", h.ExecuteMirror)
	byID.GET("/mirror/runs", h.GetMirrorRuns)

	return &http.Server{Addr: addr, Handler: r}
}

func openStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Warnw("no database configured, state will not survive restarts")
		return storage.NewMemory(), nil
	}
	return storage.NewPostgres(ctx, storage.PostgresConfig{
		DSN:           cfg.DatabaseDSN,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
	})
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
