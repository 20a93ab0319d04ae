package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowlink-rmm/hub/internal/clock"
	"github.com/flowlink-rmm/hub/internal/config"
	"github.com/flowlink-rmm/hub/internal/healthz"
	"github.com/flowlink-rmm/hub/internal/hub"
	"github.com/flowlink-rmm/hub/internal/logging"
	"github.com/flowlink-rmm/hub/internal/transport"
)

var (
	version = "0.1.0"
	cfgFile string
	addr    string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "flowlink-hub",
	Short: "FlowLink Signaling & Relay Hub",
	Long:  `FlowLink Hub - the signaling and relay server for cross-device continuity clients`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Hub",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("FlowLink Hub v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Hub configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/flowlink-hub/flowlink-hub.yaml)")
	serveCmd.Flags().StringVar(&addr, "listen", "", "override listen_addr from config")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// serve wires config, logging, the Hub, the WebSocket listener, and the
// healthz server together, then blocks until SIGINT/SIGTERM.
func serve() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	initLogging(cfg)
	log.Info("starting flowlink-hub", "version", version, "listenAddr", cfg.ListenAddr, "environment", cfg.Environment)

	opts := hub.Options{
		SessionTTL:    time.Duration(cfg.SessionTTLSeconds) * time.Second,
		GracePeriod:   time.Duration(cfg.GracePeriodSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,

		DeliveryWorkers:   cfg.DeliveryWorkers,
		DeliveryQueueSize: cfg.DeliveryQueueSize,
	}
	h := hub.New(opts, clock.Real{})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	listener := transport.NewListener(h, transport.Config{
		MaxMessageSize:    cfg.MaxMessageBytes,
		OutboundQueueSize: cfg.OutboundQueueSize,
		InboundRateLimit:  cfg.InboundRateLimit,
		InboundBurst:      cfg.InboundBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", listener)
	wsServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	monitor := healthz.NewMonitor()
	monitor.Update("transport", healthz.Healthy, "")
	healthSrv := &http.Server{
		Addr:    cfg.HealthAddr,
		Handler: healthz.NewServer(monitor, h, strings.EqualFold(cfg.Environment, "development")).Handler(),
	}

	go func() {
		var err error
		if cfg.TLSCertFile != "" {
			err = wsServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = wsServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error("websocket listener stopped", "error", err)
			monitor.Update("transport", healthz.Unhealthy, err.Error())
		}
	}()

	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("healthz listener stopped", "error", err)
		}
	}()

	log.Info("flowlink-hub is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down flowlink-hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)

	cancel()
	h.Stop()
	log.Info("flowlink-hub stopped")
}

func initConfig() {
	cfg := config.Default()
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Default configuration written.")
}
