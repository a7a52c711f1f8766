package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/buildwithgrove/shardline/client"
	configpkg "github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/health"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/router"
)

// defaultConfigPath will be appended to the location of
// the executable to get the full path to the config file.
const defaultConfigPath = "config/.config.yaml"

func main() {
	configPath, err := getConfigPath(defaultConfigPath)
	if err != nil {
		log.Fatalf("failed to get config path: %v", err)
	}

	config, err := configpkg.LoadClientConfigFromYAML(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("Initializing shardline logger with level: %s, format: %s", config.Logger.Level, config.Logger.Format)

	logger := config.Logger.NewLogger(os.Stdout, "")

	logger.Info().Msgf("Starting shardline using config file: %s", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// setup metrics reporter, to be used by the endpoint manager, iterators and the message pipeline.
	metricsReporter, err := setupMetricsServer(ctx, logger, config.Metrics.Addr)
	if err != nil {
		log.Fatalf("failed to start metrics server: %v", err)
	}

	setupPprofServer(ctx, logger, config.Metrics.PprofAddr)

	reporters := observation.Reporters{metricsReporter}
	// setup data reporter, to export the outcome of every submitted message.
	if dataReporter := setupHTTPDataReporter(logger, config.DataReporterConfig); dataReporter != nil {
		reporters = append(reporters, dataReporter)
	}

	ledgerClient, err := client.New(logger, config, client.WithReporter(reporters))
	if err != nil {
		log.Fatalf("failed to create ledger client: %v", err)
	}
	defer ledgerClient.Close()

	// Resolve an endpoint up front: a misconfigured network shows in the logs at startup,
	// not on the first request.
	if endpoint, err := ledgerClient.Network.Resolve(ctx); err != nil {
		logger.Warn().Err(err).Msg("no endpoint is reachable yet")
	} else {
		logger.Info().Str("endpoint_addr", string(endpoint.Addr)).Msg("active endpoint selected")
	}

	// Until all components are ready, the `/healthz` endpoint will return a 503 Service
	// Unavailable status; once all components are ready, it will return a 200 OK status.
	healthChecker := &health.Checker{
		Logger:           logger,
		Components:       []health.Check{ledgerClient.Network},
		EndpointReporter: ledgerClient.Network,
	}

	apiRouter := router.NewRouter(logger, ledgerClient.Network, healthChecker, config.Router)

	// log.Printf is used here to ensure this info is printed to the console regardless of the log level.
	log.Printf("🌿 shardline started.\n  Port: %d\n  Endpoints: %s",
		config.Router.Port, ledgerClient.Network.ConfiguredEndpoints().String())

	// Start the admin API router.
	// This will block until the router is stopped.
	if err := apiRouter.Start(ctx); err != nil {
		log.Fatalf("failed to start API router: %v", err)
	}
}

/* -------------------- Client Init Helpers -------------------- */

// getConfigPath returns the full path to the config file relative to the executable.
//
// Priority for determining config path:
// - If `-config` flag is set, use its value
// - Otherwise, use defaultConfigPath relative to executable directory
func getConfigPath(defaultConfigPath string) (string, error) {
	var configPath string

	flag.StringVar(&configPath, "config", "", "override the default config path")
	flag.Parse()
	if configPath != "" {
		return configPath, nil
	}

	exeDir, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %v", err)
	}

	return filepath.Join(filepath.Dir(exeDir), defaultConfigPath), nil
}
