// Command mpdex probes venue adapters from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/telemetry"
)

const (
	defaultConfigPath        = "config/mpdex.yaml"
	cliLoggerPrefix          = "mpdex "
	shutdownTimeout          = 15 * time.Second
	sessionShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	defaultBookDepth         = 10
)

const usageText = `usage: mpdex [flags] <command> <venue> [args]

commands:
  price    <venue> <symbol>          mark price
  book     <venue> <symbol> [depth]  order book snapshot
  position <venue> <symbol>          open position (empty output when flat)
  balance  <venue>                   collateral balance
  orders   <venue> <symbol>          resting orders
  cancel   <venue> <symbol> [id...]  cancel orders (all open when no ids)
  symbols  <venue>                   tradable symbols

venues: edgex, standx
`

func main() {
	cfgPath, cmdTimeout, args := parseFlags()
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newCLILogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewLogrusLogger(observability.LogOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    false,
	}))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry := adapters.NewRegistry(cfg, observability.Log())
	adapters.RegisterAll(registry, adapters.Options{})

	exitCode := 0
	if err := runCommand(ctx, registry, cmdTimeout, args); err != nil {
		logger.Printf("%s: %v", args[0], err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, registry, telemetryProvider)

	os.Exit(exitCode)
}

func parseFlags() (string, time.Duration, []string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	timeout := flag.Duration("timeout", 30*time.Second, "Per-command timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()
	return *cfgPath, *timeout, flag.Args()
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCLILogger() *log.Logger {
	return log.New(os.Stderr, cliLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s", telemetryCfg.OTLPEndpoint)
	}
	return provider, nil
}

func runCommand(ctx context.Context, registry *adapters.Registry, timeout time.Duration, args []string) error {
	command, venue := args[0], config.Venue(args[1])
	rest := args[2:]

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := registry.Acquire(ctx, venue)
	if err != nil {
		return err
	}
	defer handle.Release()
	session := handle.Exchange

	switch command {
	case "price":
		symbol, err := oneSymbol(rest)
		if err != nil {
			return err
		}
		price, err := session.GetMarkPrice(ctx, symbol)
		if err != nil {
			return err
		}
		fmt.Println(price.String())
		return nil
	case "book":
		if len(rest) < 1 {
			return fmt.Errorf("book needs a symbol")
		}
		depth := defaultBookDepth
		if len(rest) > 1 {
			depth, err = strconv.Atoi(rest[1])
			if err != nil {
				return fmt.Errorf("bad depth %q: %w", rest[1], err)
			}
		}
		b, err := session.GetOrderBook(ctx, rest[0], depth)
		if err != nil {
			return err
		}
		return printJSON(b)
	case "position":
		symbol, err := oneSymbol(rest)
		if err != nil {
			return err
		}
		pos, err := session.GetPosition(ctx, symbol)
		if err != nil {
			return err
		}
		if pos == nil {
			return nil
		}
		return printJSON(pos)
	case "balance":
		bal, err := session.GetCollateral(ctx)
		if err != nil {
			return err
		}
		return printJSON(bal)
	case "orders":
		symbol, err := oneSymbol(rest)
		if err != nil {
			return err
		}
		orders, err := session.GetOpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		return printJSON(orders)
	case "cancel":
		if len(rest) < 1 {
			return fmt.Errorf("cancel needs a symbol")
		}
		results, err := session.CancelOrders(ctx, rest[0], rest[1:])
		if err != nil {
			return err
		}
		return printJSON(results)
	case "symbols":
		set, err := session.GetAvailableSymbols(ctx)
		if err != nil {
			return err
		}
		return printJSON(set)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func oneSymbol(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one symbol argument")
	}
	return args[0], nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, registry *adapters.Registry, telemetryProvider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		}
	}

	if registry != nil {
		shutdownStep("closing venue sessions", sessionShutdownTimeout, func(context.Context) error {
			registry.Close()
			return nil
		})
	}
	if telemetryProvider != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return telemetryProvider.Shutdown(stepCtx)
		})
	}
}
