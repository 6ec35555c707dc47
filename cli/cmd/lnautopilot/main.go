// Command lnautopilot runs the channel fee/liquidity control loop, or
// drives its operator surface (rollback, shadow-report, set-mode) against a
// running instance's persistence store.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"lnautopilot/engine"
	"lnautopilot/engine/models"
)

// Exit codes distinguish configuration, persistence, and node failures so
// supervisors can react differently to each.
const (
	exitClean               = 0
	exitConfigError         = 1
	exitPersistenceFailure  = 2
	exitNodeAPIStartupCheck = 3
)

func main() {
	app := &cli.App{
		Name:  "lnautopilot",
		Usage: "channel fee and liquidity autopilot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./lnautopilot.yaml", Usage: "path to the control-plane config file"},
		},
		Commands: []*cli.Command{
			runCommand,
			rollbackCommand,
			shadowReportCommand,
			setModeCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cliExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.err)
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

// cliExitError carries the exit code a failing command should terminate
// with, distinguishing configuration mistakes from persistence/node-API
// startup failures.
type cliExitError struct {
	code int
	err  error
}

func (e cliExitError) Error() string { return e.err.Error() }
func (e cliExitError) Unwrap() error { return e.err }

func exitErr(code int, format string, a ...any) error {
	return cliExitError{code: code, err: fmt.Errorf(format, a...)}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the control loop and block until signalled",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "node-rpc-addr", Usage: "override node_rpc_addr from config"},
		&cli.BoolFlag{Name: "fake-node", Usage: "use an in-memory node API instead of dialing lnd (testing only)"},
	},
	Action: func(c *cli.Context) error {
		cfgMgr, err := engine.NewConfigManager(c.String("config"))
		if err != nil {
			return exitErr(exitConfigError, "load config: %w", err)
		}
		cfg := cfgMgr.Current()

		store, err := openStore(cfg)
		if err != nil {
			return exitErr(exitPersistenceFailure, "open persistence: %w", err)
		}

		api, err := resolveNodeAPI(c, cfg)
		if err != nil {
			return err
		}

		eng, err := engine.New(cfgMgr, api, store)
		if err != nil {
			return exitErr(exitConfigError, "construct engine: %w", err)
		}
		defer eng.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		changes, reloadErrs := cfgMgr.WatchHotReload(ctx)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-changes:
				case <-reloadErrs:
				}
			}
		}()

		return eng.Run(ctx)
	},
}

var rollbackCommand = &cli.Command{
	Name:  "rollback",
	Usage: "revert a channel's policy to its pre-decision state",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "transaction-id", Required: true},
		&cli.StringFlag{Name: "reason"},
		&cli.StringFlag{Name: "node-rpc-addr", Usage: "override node_rpc_addr from config"},
		&cli.BoolFlag{Name: "fake-node", Usage: "use an in-memory node API instead of dialing lnd (testing only)"},
	},
	Action: func(c *cli.Context) error {
		eng, cleanup, err := openEngineForOperatorCommand(c)
		if err != nil {
			return err
		}
		defer cleanup()

		txID := c.String("transaction-id")
		d, err := eng.Rollback(c.Context, txID)
		if err != nil {
			if errors.Is(err, models.ErrAlreadyRolledBack) {
				fmt.Printf("transaction %s was already rolled back\n", txID)
				return nil
			}
			return exitErr(exitPersistenceFailure, "rollback %s: %w", txID, err)
		}
		if reason := c.String("reason"); reason != "" {
			fmt.Printf("rollback reason: %s\n", reason)
		}
		fmt.Printf("rolled back channel %s (transaction %s)\n", d.ChannelID, d.TransactionID)
		return nil
	},
}

var shadowReportCommand = &cli.Command{
	Name:  "shadow-report",
	Usage: "summarize shadowed decisions",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "since", Usage: "RFC3339 timestamp; defaults to 24h ago"},
	},
	Action: func(c *cli.Context) error {
		cfgMgr, err := engine.NewConfigManager(c.String("config"))
		if err != nil {
			return exitErr(exitConfigError, "load config: %w", err)
		}
		store, err := openStore(cfgMgr.Current())
		if err != nil {
			return exitErr(exitPersistenceFailure, "open persistence: %w", err)
		}
		defer store.Close()

		since := time.Now().Add(-24 * time.Hour)
		if v := c.String("since"); v != "" {
			parsed, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				return exitErr(exitConfigError, "parse --since: %w", perr)
			}
			since = parsed
		}

		report, err := engine.ShadowReportFromStore(c.Context, store, since)
		if err != nil {
			return exitErr(exitPersistenceFailure, "build shadow report: %w", err)
		}

		fmt.Printf("shadow report since %s (generated %s)\n", report.Since.Format(time.RFC3339), report.Generated.Format(time.RFC3339))
		for kind, count := range report.ByKind {
			fmt.Printf("  %-16s %d\n", kind, count)
		}
		return nil
	},
}

var setModeCommand = &cli.Command{
	Name:      "set-mode",
	Usage:     "change the operating mode (shadow, canary, active)",
	ArgsUsage: "<shadow|canary|active>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt when moving to active"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return exitErr(exitConfigError, "set-mode requires exactly one argument")
		}
		mode := models.OperatingMode(c.Args().First())
		switch mode {
		case models.ModeShadow, models.ModeCanary, models.ModeActive:
		default:
			return exitErr(exitConfigError, "unknown mode %q", mode)
		}

		if mode == models.ModeActive && !c.Bool("yes") {
			if !confirm("this will let the control loop mutate live channel policies. continue? [y/N] ") {
				fmt.Println("aborted")
				return nil
			}
		}

		cfgMgr, err := engine.NewConfigManager(c.String("config"))
		if err != nil {
			return exitErr(exitConfigError, "load config: %w", err)
		}
		cfg := cfgMgr.Current()
		cfg.Envelope.Mode = mode
		if err := cfgMgr.Update(cfg, fmt.Sprintf("operator set-mode %s via CLI", mode)); err != nil {
			return exitErr(exitConfigError, "update config: %w", err)
		}
		fmt.Printf("mode set to %s\n", mode)
		return nil
	},
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

// resolveNodeAPI picks the node adapter a command should run against: the
// in-memory fake under --fake-node (testing only), otherwise a real dial to
// the configured lnd instance.
func resolveNodeAPI(c *cli.Context, cfg engine.Config) (engine.NodeAPI, error) {
	if c.Bool("fake-node") {
		return engine.NewFakeNodeAPI(), nil
	}
	addr := cfg.NodeRPCAddr
	if v := c.String("node-rpc-addr"); v != "" {
		addr = v
	}
	network := cfg.NodeNetwork
	if network == "" {
		network = "mainnet"
	}
	api, err := engine.DialLndAdapter(addr, cfg.NodeTLSPath, cfg.NodeMacaroon, network)
	if err != nil {
		return nil, exitErr(exitNodeAPIStartupCheck, "connect to node: %w", err)
	}
	return api, nil
}

// openEngineForOperatorCommand builds an Engine for operator commands that
// need the full stack. rollback needs a real node adapter: restoring a
// backup re-reads the channel's live policy and re-applies over it, so a
// deployment running against a real node must dial it here too, same as run.
func openEngineForOperatorCommand(c *cli.Context) (*engine.Engine, func(), error) {
	cfgMgr, err := engine.NewConfigManager(c.String("config"))
	if err != nil {
		return nil, nil, exitErr(exitConfigError, "load config: %w", err)
	}
	cfg := cfgMgr.Current()

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, exitErr(exitPersistenceFailure, "open persistence: %w", err)
	}

	api, err := resolveNodeAPI(c, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	eng, err := engine.New(cfgMgr, api, store)
	if err != nil {
		store.Close()
		return nil, nil, exitErr(exitConfigError, "construct engine: %w", err)
	}
	return eng, func() { eng.Close() }, nil
}

func openStore(cfg engine.Config) (engine.Store, error) {
	if cfg.PersistencePath == "" {
		return engine.NewMemoryStore(), nil
	}
	return engine.OpenBoltStore(cfg.PersistencePath)
}
