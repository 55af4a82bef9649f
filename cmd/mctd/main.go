// Command mctd runs the MCT log broker daemon
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mctd "github.com/mct-labs/go-mctd"
	"github.com/mct-labs/go-mctd/internal/config"
	"github.com/mct-labs/go-mctd/internal/logging"
)

var (
	configPath  string
	port        int
	verbose     bool
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "mctd",
		Short: "MCT diagnostic log broker daemon",
		Long: `mctd collects structured log messages from local producer
applications, multiplexes them to remote viewer clients, and persists them
through the offline logstorage engine.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "daemon configuration file")
	root.Flags().IntVarP(&port, "port", "p", 0, "override the TCP listen port")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose internal logging")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mctd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}
	if verbose {
		cfg.Verbose = true
		cfg.LoggingLevel = 7
	}

	level := logging.LevelInfo
	if cfg.Verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:    level,
		Mode:     cfg.LoggingModeValue(),
		Filename: cfg.LoggingFilename,
	})
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	daemon, err := mctd.New(cfg, nil)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(mctd.NewExporter(daemon.Metrics())); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logging.Errorf("metrics endpoint: %v", err)
			}
		}()
	}

	if err := daemon.Start(); err != nil {
		return err
	}
	return daemon.Run()
}
