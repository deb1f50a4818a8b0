// Command hostd runs the plugin host runtime core: it discovers and
// supervises plugin child processes, serves the cross-plugin request
// router over the fast plane, and exposes the Run protocol's REST/WS
// surface, grounded on cmd/qntx/main.go's cobra-rooted entrypoint shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/bus"
	"github.com/wislap/N.E.K.O-sub001/bus/dispatch"
	"github.com/wislap/N.E.K.O-sub001/config"
	"github.com/wislap/N.E.K.O-sub001/host"
	"github.com/wislap/N.E.K.O-sub001/ipc"
	"github.com/wislap/N.E.K.O-sub001/ipc/fastplane"
	"github.com/wislap/N.E.K.O-sub001/logger"
	"github.com/wislap/N.E.K.O-sub001/run"
	"github.com/wislap/N.E.K.O-sub001/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hostd",
	Short: "Plugin host runtime core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print hostd's build and SDK compatibility version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Get().String())
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to host config file (TOML/YAML/JSON, viper-loaded)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := logger.Initialize(false); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logger: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runDaemon wires every package into one running control plane and blocks
// until a shutdown signal arrives, then drains plugins within the
// configured global shutdown budget (spec §4.1 "Shutdown sequence").
func runDaemon(path string) error {
	log := logger.Logger

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores := bus.NewStores(log, bus.Limits{
		TopicMaxLen:     cfg.Bus.TopicMaxLen,
		MaxTopics:       cfg.Bus.MaxTopicsPerBus,
		MaxTopicNameLen: cfg.Bus.MaxTopicNameLen,
		MaxPayloadBytes: cfg.Bus.MaxPayloadBytes,
		TombstoneCap:    cfg.Bus.TombstoneCap,
	})

	registry := host.NewRegistry(log)
	broker := ipc.NewRequestBroker(log)
	configSvc := config.NewPluginConfigService(filepath.Join(".", "plugins.d"))
	router := ipc.NewRouter(log, broker, registry, stores, configSvc)
	router.SetSystemConfigAllowList(map[string]any{
		"debug":       cfg.Debug,
		"listen_addr": cfg.ListenAddr,
	})

	go broker.RunSweeper(ctx, 30*time.Second)

	pusherCfg := dispatch.DefaultConfig()
	pusherCfg.Concurrency = cfg.Dispatch.Concurrency
	pusherCfg.PushTimeout = cfg.Dispatch.PushTimeout
	pusherCfg.CircuitThreshold = cfg.Dispatch.CircuitThreshold
	pusherCfg.CircuitPause = cfg.Dispatch.CircuitPause
	pusherCfg.LogDedupeWindow = cfg.Dispatch.LogDedupeWindow
	dispatcher := dispatch.New(log, pusherCfg, stores.Hub(), stores.Subscriptions(), registry)
	go dispatcher.Run(ctx)

	if err := loadPlugins(ctx, cfg, log, registry, broker, stores); err != nil {
		log.Warnw("plugin discovery/load encountered errors", "error", err)
	}

	if cfg.Communication.MessagePlaneEndpoint != "" {
		fpLog := log.Named("fastplane")
		fp, err := fastplane.Listen(
			cfg.Communication.MessagePlaneEndpoint,
			router,
			fastplane.ValidationMode(cfg.Communication.EnvelopeValidation),
			cfg.Timeout.PluginTrigger,
			fpLog,
		)
		if err != nil {
			log.Warnw("fast plane disabled: failed to listen", "error", err)
		} else {
			go fp.Serve(ctx)
			defer fp.Close()
			log.Infow("fast plane listening", "addr", fp.Addr().String())
		}
	}

	runStore := run.NewStore(stores)
	secret := []byte(cfg.Run.TokenSecret)
	runService := run.NewService(runStore, registry, log, run.Config{
		TokenSecret: secret,
		TokenTTL:    cfg.Run.TokenTTL,
		ExecTimeout: cfg.Timeout.PluginExecution,
	})
	blobs := run.NewBlobStore(cfg.Run.BlobUploadMax)
	runHandlers := run.NewHandlers(runService, blobs, secret, 50, 100, log)
	wsHandler := run.NewWSHandler(runService, stores.Hub(), []string{"*"}, log)

	mux := http.NewServeMux()
	runHandlers.RegisterRoutes(mux)
	mux.Handle("/ws/run", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		log.Infow("run protocol listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		log.Errorw("run protocol server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.PluginShutdownTotal)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if errs := registry.ShutdownAll(context.Background(), cfg.Timeout.PluginShutdownTotal); len(errs) > 0 {
		for _, e := range errs {
			log.Warnw("plugin shutdown error", "error", e)
		}
		// Shutdown of all plugins is bounded by a single global timeout; on
		// overflow the control plane force-exits rather than risk a plugin
		// process outliving its host (spec §4.1 "Shutdown sequence").
		log.Errorw("plugin shutdown overflowed its timeout, forcing exit", "timeout", cfg.Timeout.PluginShutdownTotal)
		os.Exit(1)
	}
	return nil
}

// loadPlugins discovers plugin manifests, validates SDK compatibility, and
// spawns a PluginHost for every plugin named in cfg.PluginEnabled (spec §4.1
// "NEW -> STARTING -> RUNNING").
func loadPlugins(ctx context.Context, cfg *config.PluginHostConfig, log *zap.SugaredLogger, registry *host.Registry, broker *ipc.RequestBroker, stores *bus.Stores) error {
	if len(cfg.PluginEnabled) == 0 {
		log.Infow("no plugins enabled, running in minimal core mode")
		return nil
	}

	enabled := make(map[string]bool, len(cfg.PluginEnabled))
	for _, id := range cfg.PluginEnabled {
		enabled[id] = true
	}

	discovered, err := host.Discover(cfg.PluginPaths)
	if err != nil {
		return err
	}

	checkpoints, err := host.NewBackend(cfg.Checkpoint)
	if err != nil {
		return err
	}

	for _, d := range discovered {
		if !enabled[d.Manifest.ID] {
			continue
		}
		warnings, err := host.ValidateSDKCompat(hostSDKVersion(), d.Manifest)
		if err != nil {
			log.Warnw("plugin rejected: SDK incompatible", "plugin_id", d.Manifest.ID, "error", err)
			continue
		}
		for _, w := range warnings {
			log.Warnw("plugin SDK compatibility warning", "plugin_id", w.PluginID, "message", w.Message)
		}

		record := &host.PluginRecord{
			PluginID:     d.Manifest.ID,
			Name:         d.Manifest.Name,
			Description:  d.Manifest.Description,
			Version:      d.Manifest.Version,
			SDKVersion:   d.Manifest.SDK.Supported,
			Dependencies: d.Manifest.Dependencies,
		}
		assignedID, err := registry.Register(record)
		if err != nil {
			log.Warnw("plugin registration failed", "plugin_id", d.Manifest.ID, "error", err)
			continue
		}

		spawn := host.FromConfig(
			assignedID,
			filepath.Join(d.Dir, d.Manifest.Entry),
			nil, nil, d.Dir,
			filepath.Join(d.Dir, "plugin.toml"),
			cfg,
		)
		pluginHost := host.NewPluginHost(spawn, log, broker, checkpoints,
			func(msg ipc.Message) { _, _, _ = stores.Publish(msg.Bus, msg.Topic, msg.Payload) },
			func(pluginID string, st ipc.Status) { log.Debugw("plugin status", "plugin_id", pluginID, "status", st.Kind) },
		)
		if err := pluginHost.Start(ctx); err != nil {
			log.Warnw("plugin failed to start", "plugin_id", assignedID, "error", err)
			continue
		}
		registry.SetHost(assignedID, pluginHost)
		log.Infow("plugin started", "plugin_id", assignedID, "version", d.Manifest.Version)
	}
	return nil
}

// hostSDKVersion is the running host's own SDK version, checked against
// every plugin manifest's sdk{} compatibility window.
func hostSDKVersion() string { return version.Version }
