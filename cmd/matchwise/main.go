// Package main is the CLI entry point for the matchwise server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/matchwise/matchwise-server/internal/app"
	"github.com/matchwise/matchwise-server/internal/config"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:    "matchwise",
		Usage:   "MatchWise API server: visitor counter and resume comparison proxy",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			checkCommand(),
			versionCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Sources: cli.EnvVars("MW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error, fatal, panic)",
			},
			&cli.StringFlag{
				Name:  "listen-address",
				Usage: "HTTP listen address (e.g. :8080)",
			},
			&cli.StringFlag{
				Name:  "store-backend",
				Usage: "Visitor store backend (memory, redis, mongo)",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Redis URL; implies --store-backend=redis",
			},
			&cli.IntFlag{
				Name:  "seed-count",
				Usage: "Visitor count written when the store is first initialized",
				Value: -1,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var (
				cfg *config.Config
				err error
			)
			if path := cmd.String("config"); path != "" {
				cfg, err = config.Load(path)
				if err != nil {
					return fmt.Errorf("loading config from %s: %w", path, err)
				}
			} else {
				cfg, err = config.FromEnv()
				if err != nil {
					return fmt.Errorf("loading config from environment: %w", err)
				}
			}

			// --- CLI overrides ---
			if v := cmd.String("log-level"); v != "" {
				cfg.Log.Level = v
			}
			if v := cmd.String("listen-address"); v != "" {
				cfg.Server.ListenAddress = v
			}
			if v := cmd.String("redis-url"); v != "" {
				cfg.Redis.URL = v
				cfg.Store.Backend = "redis"
			}
			if v := cmd.String("store-backend"); v != "" {
				cfg.Store.Backend = v
			}
			if v := cmd.Int("seed-count"); v >= 0 {
				cfg.Visitor.SeedCount = v
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			log := newLogger(cfg.Log).WithField("app", "matchwise")
			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting matchwise server")

			a, err := app.New(cfg, version, log)
			if err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

type visitorCount struct {
	Count       int64  `json:"count"`
	LastUpdated string `json:"lastUpdated"`
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Smoke-test the visitor counter of a running server (GET, POST, GET)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "Server base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("MW_CHECK_BASE_URL"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			endpoint := strings.TrimRight(cmd.String("base-url"), "/") + "/api/visitor-count"
			client := &http.Client{Timeout: cmd.Duration("timeout")}

			before, err := callCounter(ctx, client, http.MethodGet, endpoint)
			if err != nil {
				return err
			}
			fmt.Printf("GET   count=%d lastUpdated=%s\n", before.Count, before.LastUpdated)

			posted, err := callCounter(ctx, client, http.MethodPost, endpoint)
			if err != nil {
				return err
			}
			fmt.Printf("POST  count=%d lastUpdated=%s\n", posted.Count, posted.LastUpdated)

			after, err := callCounter(ctx, client, http.MethodGet, endpoint)
			if err != nil {
				return err
			}
			fmt.Printf("GET   count=%d lastUpdated=%s\n", after.Count, after.LastUpdated)

			if posted.Count <= before.Count {
				return fmt.Errorf("POST returned %d, not above the previous %d", posted.Count, before.Count)
			}
			if after.Count < posted.Count {
				return fmt.Errorf("count went backwards: %d after POST returned %d", after.Count, posted.Count)
			}
			fmt.Println("visitor counter OK")
			return nil
		},
	}
}

func callCounter(ctx context.Context, client *http.Client, method, endpoint string) (visitorCount, error) {
	var out visitorCount
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return out, fmt.Errorf("building %s request: %w", method, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return out, fmt.Errorf("%s %s: status %d: %s (%s)", method, endpoint, resp.StatusCode, e.Error, e.Code)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if resp.Header.Get("X-Visitor-Count-Persisted") == "false" {
		fmt.Fprintln(os.Stderr, "warning: increment was not persisted durably")
	}
	return out, nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("matchwise %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
