package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/agentpool/internal/cloud"
	"github.com/terrpan/agentpool/internal/config"
	"github.com/terrpan/agentpool/internal/otel"
	"github.com/terrpan/agentpool/internal/poller"
	"github.com/terrpan/agentpool/internal/pool"
	"github.com/terrpan/agentpool/internal/scaler"
)

// shutdownTimeout bounds the provider calls issued while stopping.
const shutdownTimeout = 2 * time.Minute

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentpool",
	Short: "Build agent pool -- provisions agent machines on demand for a runner scale set",
	Long: `agentpool registers a GitHub Actions Runner Scale Set and runs each
runner on a machine from a pool of images (Docker containers or GCP
Compute Engine VMs).  Machines are created, reused, stopped and deleted
asynchronously; their status is refreshed from the provider on a fixed
interval.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub URL for scale set registration (e.g. https://github.com/org/repo)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (alternative to GitHub App)")
	f.StringVar(&flagOverrides.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")

	// Scale set overrides
	f.StringVar(&flagOverrides.ScaleSet.Name, "name", "", "Scale set name")
	f.IntVar(&flagOverrides.ScaleSet.MinRunners, "min-runners", 0, "Minimum number of runners")
	f.IntVar(&flagOverrides.ScaleSet.MaxRunners, "max-runners", 0, "Maximum number of runners")
	f.StringVar(&flagOverrides.ScaleSet.RunnerGroup, "runner-group", "", "Runner group name")
	f.StringVar(&flagOverrides.ScaleSet.Image, "image", "", "Image runners are started from")

	// Provider and ops overrides
	f.StringVar(&flagOverrides.Provider.Type, "provider", "", "Provider type (docker, gcp)")
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "Ops server listen address, or \"off\"")
	f.StringVar(&flagOverrides.Events.NATS.URL, "nats-url", "", "NATS server URL for lifecycle events")
	f.StringVar(&flagOverrides.Events.JournalPath, "journal", "", "Directory of the on-disk event journal")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	override(&cfg.GitHub.URL, flagOverrides.GitHub.URL)
	override(&cfg.GitHub.Token, flagOverrides.GitHub.Token)
	override(&cfg.GitHub.App.ClientID, flagOverrides.GitHub.App.ClientID)
	override(&cfg.GitHub.App.InstallationID, flagOverrides.GitHub.App.InstallationID)
	override(&cfg.GitHub.App.PrivateKey, flagOverrides.GitHub.App.PrivateKey)
	override(&cfg.GitHub.App.PrivateKeyPath, flagOverrides.GitHub.App.PrivateKeyPath)
	override(&cfg.ScaleSet.Name, flagOverrides.ScaleSet.Name)
	override(&cfg.ScaleSet.MinRunners, flagOverrides.ScaleSet.MinRunners)
	override(&cfg.ScaleSet.MaxRunners, flagOverrides.ScaleSet.MaxRunners)
	override(&cfg.ScaleSet.RunnerGroup, flagOverrides.ScaleSet.RunnerGroup)
	override(&cfg.ScaleSet.Image, flagOverrides.ScaleSet.Image)
	override(&cfg.Provider.Type, flagOverrides.Provider.Type)
	override(&cfg.Server.Addr, flagOverrides.Server.Addr)
	override(&cfg.Events.NATS.URL, flagOverrides.Events.NATS.URL)
	override(&cfg.Events.JournalPath, flagOverrides.Events.JournalPath)
	override(&cfg.Logging.Level, flagOverrides.Logging.Level)
	override(&cfg.Logging.Format, flagOverrides.Logging.Format)
}

func override[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("provider", cfg.Provider.Type),
		slog.Int("images", len(cfg.Images)),
		slog.String("scaleSetName", cfg.ScaleSet.Name),
		slog.String("scaleSetImage", cfg.ScaleSet.Image),
	)

	otelShutdown, err := otel.Setup(ctx, "agentpool", otel.Config{
		OTLP:       cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: cfg.Server.Enabled(),
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Provider connector, event sinks, images
	// ---------------------------------------------------------------
	connector, err := cfg.NewConnector(ctx, logger)
	if err != nil {
		return err
	}
	defer connector.Close()

	sink, closeSinks, err := cfg.NewEventSink(logger)
	if err != nil {
		return fmt.Errorf("opening event sinks: %w", err)
	}
	defer func() {
		if err := closeSinks(); err != nil {
			logger.Warn("closing event sinks", slog.String("error", err.Error()))
		}
	}()

	ids, err := cfg.NewIDProvider()
	if err != nil {
		return err
	}

	images := make(map[string]*pool.Image, len(cfg.Images))
	var (
		pools   []*pool.Image
		all     []cloud.Image
		targets []poller.Target
	)
	for _, ic := range cfg.Images {
		img := pool.New(ctx, pool.Config{
			Details:   ic.Details(),
			Connector: connector,
			IDs:       ids,
			Events:    sink,
			Logger:    logger.WithGroup("pool"),
		})
		images[ic.Name] = img
		pools = append(pools, img)
		all = append(all, img)
		targets = append(targets, img)
	}
	defer waitImages(logger, pools)

	// ---------------------------------------------------------------
	// 4. Create scaleset client and runner scale set
	// ---------------------------------------------------------------
	scalesetClient, err := cfg.NewScalesetClient()
	if err != nil {
		return fmt.Errorf("creating scaleset client: %w", err)
	}

	var runnerGroupID int
	switch cfg.ScaleSet.RunnerGroup {
	case scaleset.DefaultRunnerGroup:
		runnerGroupID = 1
	default:
		rg, err := scalesetClient.GetRunnerGroupByName(ctx, cfg.ScaleSet.RunnerGroup)
		if err != nil {
			return fmt.Errorf("looking up runner group %q: %w", cfg.ScaleSet.RunnerGroup, err)
		}
		runnerGroupID = rg.ID
	}

	scaleSet, err := scalesetClient.CreateRunnerScaleSet(ctx, &scaleset.RunnerScaleSet{
		Name:          cfg.ScaleSet.Name,
		RunnerGroupID: runnerGroupID,
		Labels:        cfg.BuildLabels(),
		RunnerSetting: scaleset.RunnerSetting{
			DisableUpdate: true,
		},
	})
	if err != nil {
		return fmt.Errorf("creating runner scale set: %w", err)
	}

	logger.Info("runner scale set created",
		slog.Int("scaleSetID", scaleSet.ID),
		slog.String("name", scaleSet.Name),
	)
	scalesetClient.SetSystemInfo(config.SystemInfo(scaleSet.ID))

	defer func() {
		logger.Info("deleting runner scale set", slog.Int("scaleSetID", scaleSet.ID))
		if err := scalesetClient.DeleteRunnerScaleSet(context.WithoutCancel(ctx), scaleSet.ID); err != nil {
			logger.Error("failed to delete runner scale set",
				slog.Int("scaleSetID", scaleSet.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	// ---------------------------------------------------------------
	// 5. Create message session, scaler and listener
	// ---------------------------------------------------------------
	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()
		logger.Warn("could not get hostname, using uuid",
			slog.String("fallback", hostname),
			slog.String("error", err.Error()),
		)
	}

	sessionClient, err := scalesetClient.MessageSessionClient(ctx, scaleSet.ID, hostname)
	if err != nil {
		return fmt.Errorf("creating message session: %w", err)
	}
	defer sessionClient.Close(context.Background())

	s := scaler.New(scaler.Config{
		ScaleSetID:     scaleSet.ID,
		MinRunners:     cfg.ScaleSet.MinRunners,
		MaxRunners:     cfg.ScaleSet.MaxRunners,
		ScalesetClient: scalesetClient,
		Image:          images[cfg.ScaleSet.Image],
		Logger:         logger.WithGroup("scaler"),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	l, err := listener.New(sessionClient, listener.Config{
		ScaleSetID: scaleSet.ID,
		MaxRunners: cfg.ScaleSet.MaxRunners,
		Logger:     logger.WithGroup("listener"),
	})
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Run listener, poller and ops server
	// ---------------------------------------------------------------
	grp, gctx := errgroup.WithContext(ctx)

	p := poller.New(poller.Config{
		Interval:   cfg.Poller.Interval,
		MaxBackoff: cfg.Poller.MaxBackoff,
		Images:     targets,
		Connector:  connector,
		Logger:     logger.WithGroup("poller"),
	})
	grp.Go(func() error {
		return p.Run(gctx)
	})

	grp.Go(func() error {
		logger.Info("starting listener")
		if err := l.Run(gctx, s); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})

	if cfg.Server.Enabled() {
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           newRouter(cfg.Provider.Type, all, promhttp.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		grp.Go(func() error {
			logger.Info("starting ops server", slog.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})

		grp.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = grp.Wait()
	logger.Info("shutting down gracefully")
	return err
}

// waitImages blocks until every image has finished its provider calls.
func waitImages(logger *slog.Logger, images []*pool.Image) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, img := range images {
		if err := img.Wait(ctx); err != nil {
			logger.Error("image shutdown error",
				slog.String("image", img.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}
