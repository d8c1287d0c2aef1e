// Command flowrunner runs UI automation flows and writes a JSON test report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/devicelab-dev/flowrunner/pkg/config"
	"github.com/devicelab-dev/flowrunner/pkg/core"
	"github.com/devicelab-dev/flowrunner/pkg/driver/mock"
	"github.com/devicelab-dev/flowrunner/pkg/executor"
	"github.com/devicelab-dev/flowrunner/pkg/flow"
	"github.com/devicelab-dev/flowrunner/pkg/logger"
	"github.com/devicelab-dev/flowrunner/pkg/report"
	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	app := &cli.App{
		Name:      "flowrunner",
		Usage:     "Run UI automation flows against a device driver",
		Version:   Version,
		ArgsUsage: "<flow-file-or-folder>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to workspace config.yaml"},
			&cli.StringSliceFlag{Name: "env", Aliases: []string{"e"}, Usage: "environment variables (KEY=VALUE)"},
			&cli.StringSliceFlag{Name: "include-tags", Usage: "only run flows with these tags"},
			&cli.StringSliceFlag{Name: "exclude-tags", Usage: "exclude flows with these tags"},
			&cli.StringFlag{Name: "output", Usage: "output directory for reports (default: ./reports)"},
			&cli.BoolFlag{Name: "flatten", Usage: "don't create a timestamp subfolder (requires --output)"},
			&cli.IntFlag{Name: "parallel", Usage: "max number of flows to run concurrently"},
			&cli.StringFlag{Name: "platform", Value: "mock", Usage: "driver platform (only \"mock\" is wired in)"},
			&cli.StringFlag{Name: "device-id", Usage: "device identifier reported alongside results"},
		},
		Action: runTest,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTest(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("at least one flow file or folder is required")
	}

	env := parseEnvVars(c.StringSlice("env"))

	outputDir, err := resolveOutputDir(c.String("output"), c.Bool("flatten"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	logPath := filepath.Join(outputDir, "flowrunner.log")
	if err := logger.Init(logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logger: %v\n", err)
	}
	defer logger.Close()
	logger.Info("=== flow run started ===")
	logger.Info("output directory: %s", outputDir)

	var workspaceCfg *config.Config
	if path := c.String("config"); path != "" {
		workspaceCfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	mergedEnv := map[string]string{}
	if workspaceCfg != nil {
		for k, v := range workspaceCfg.Env {
			mergedEnv[k] = v
		}
	}
	for k, v := range env {
		mergedEnv[k] = v
	}

	flows, err := discoverFlows(c.Args().Slice(), c.StringSlice("include-tags"), c.StringSlice("exclude-tags"))
	if err != nil {
		logger.Error("flow discovery failed: %v", err)
		return err
	}
	logger.Info("discovered %d flow(s)", len(flows))

	// CLI/workspace env vars take precedence over each flow's own env block.
	for i := range flows {
		if flows[i].Config.Env == nil {
			flows[i].Config.Env = map[string]string{}
		}
		for k, v := range mergedEnv {
			flows[i].Config.Env[k] = v
		}
	}

	platform := c.String("platform")
	if platform != "mock" {
		return fmt.Errorf("unsupported platform %q: only the mock driver is wired into this binary", platform)
	}
	driver := mock.New(mock.Config{Platform: platform, DeviceID: c.String("device-id")})

	result, err := execute(driver, flows, outputDir, c.Int("parallel"))
	if err != nil {
		logger.Error("flow execution failed: %v", err)
		return err
	}
	logger.Info("run complete: %d passed, %d failed, %d skipped", result.PassedFlows, result.FailedFlows, result.SkippedFlows)

	printSummary(result, outputDir)

	if result.Status != report.StatusPassed {
		return cli.Exit("", 1)
	}
	return nil
}

func execute(driver core.Driver, flows []flow.Flow, outputDir string, parallelism int) (*executor.RunResult, error) {
	info := driver.GetPlatformInfo()
	bus := executor.NewBus()
	defer bus.Close()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go streamEvents(events)

	runner := executor.New(driver, executor.RunnerConfig{
		OutputDir:   outputDir,
		Parallelism: parallelism,
		Artifacts:   executor.ArtifactOnFailure,
		Bus:         bus,
		Device: report.Device{
			ID:       info.DeviceID,
			Name:     info.DeviceName,
			Platform: info.Platform,
		},
		App:           report.App{ID: info.AppID},
		RunnerVersion: Version,
		DriverName:    "mock",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx, flows)
}

// streamEvents prints a live progress line for session/flow/command events,
// indented by nesting depth.
func streamEvents(events <-chan executor.TestEvent) {
	for evt := range events {
		indent := strings.Repeat("  ", evt.Depth)
		switch evt.Type {
		case executor.EventFlowStarted:
			fmt.Printf("%s%s (%d commands)\n", indent, evt.FlowName, evt.CommandCount)
		case executor.EventCommandPassed:
			fmt.Printf("%s  ✓ #%d (%dms)\n", indent, evt.Index, evt.DurationMs)
		case executor.EventCommandFailed:
			fmt.Printf("%s  ✗ #%d: %s (%dms)\n", indent, evt.Index, evt.Error, evt.DurationMs)
		case executor.EventCommandSkipped:
			fmt.Printf("%s  - #%d skipped: %s\n", indent, evt.Index, evt.Reason)
		case executor.EventCommandRetrying:
			fmt.Printf("%s  ~ #%d retrying (%d/%d)\n", indent, evt.Index, evt.Attempt, evt.MaxAttempts)
		case executor.EventLog:
			fmt.Printf("%s  %s\n", indent, evt.Message)
		}
	}
}

// discoverFlows parses flow files and folders into the flow set to run,
// applying tag filtering to directory scans.
func discoverFlows(paths []string, includeTags, excludeTags []string) ([]flow.Flow, error) {
	var flows []flow.Flow
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if fi.IsDir() {
			dirFlows, err := flow.ParseDirectory(path, includeTags, excludeTags)
			if err != nil {
				return nil, fmt.Errorf("parse directory %s: %w", path, err)
			}
			for _, f := range dirFlows {
				flows = append(flows, *f)
			}
			continue
		}
		f, err := flow.ParseFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		flows = append(flows, *f)
	}
	if len(flows) == 0 {
		return nil, fmt.Errorf("no flows found in %v", paths)
	}
	return flows, nil
}

// parseEnvVars parses KEY=VALUE pairs from repeated --env flags.
func parseEnvVars(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// resolveOutputDir determines the report output directory.
//   - no --output: ./reports/<timestamp>/
//   - --output given: <output>/<timestamp>/
//   - --output + --flatten: <output>/ (error if --output missing)
func resolveOutputDir(output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}

	baseDir := output
	if baseDir == "" {
		baseDir = "./reports"
	}
	if flatten {
		return filepath.Clean(baseDir), nil
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}

func printSummary(result *executor.RunResult, outputDir string) {
	fmt.Println()
	fmt.Printf("%d passed, %d failed, %d skipped (%d total)\n",
		result.PassedFlows, result.FailedFlows, result.SkippedFlows, result.TotalFlows)
	fmt.Printf("report: %s\n", filepath.Join(outputDir, "report.json"))
}
