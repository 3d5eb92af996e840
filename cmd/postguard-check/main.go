// Command postguard-check runs one client-side license reconciliation and
// reports the decision. The exit code reflects the answer: 0 authorized,
// 1 denied, 2 usage or setup error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"postguard/internal/config"
	"postguard/internal/fingerprint"
	"postguard/internal/infrastructure"
	"postguard/internal/license"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	serial := flag.String("serial", "", "serial number to validate")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall check timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logger, logCloser, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	defer logCloser.Close()

	store := license.NewStore(cfg.Client.CachePath, logger)
	client := license.NewClient(license.ClientConfig{
		BaseURL:         cfg.Client.ServerURL,
		Timeout:         cfg.Client.Timeout,
		MaxRetries:      cfg.Client.MaxRetries,
		RetryStep:       cfg.Client.RetryStep,
		OfflineCooldown: cfg.Client.OfflineCooldown,
	}, logger, nil)
	device := fingerprint.NewManager(logger)
	engine := license.NewEngine(store, client, device, logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	decision := engine.IsAuthorized(ctx, *serial)
	fmt.Println(decision)
	if decision.Warning != "" {
		fmt.Println("warning:", decision.Warning)
	}

	if decision.Authorized {
		return 0
	}
	return 1
}
