// Package main implements the codepipe CLI: it submits coding tasks to the staged pipeline,
// inspects and resumes them, and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"codepipe/internal/kernel"
	"codepipe/pkg/config"
	"codepipe/pkg/logx"
	"codepipe/pkg/version"
)

// kernelOptions is appended to every kernel the CLI builds. Tests use it to script workers.
var kernelOptions []kernel.Option //nolint:gochecknoglobals // test seam

type globalFlags struct {
	configPath string
	projectDir string
	tee        bool
	jsonOut    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns an exit code, so defers run before os.Exit.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeLog := newRootCmd()
	defer closeLog()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// newRootCmd builds the command tree. The returned func closes the log file opened by the
// command that ran.
func newRootCmd() (*cobra.Command, func()) {
	g := &globalFlags{}
	closeLog := func() {}

	root := &cobra.Command{
		Use:   "codepipe",
		Short: "Run coding tasks through a checkpointed multi-stage pipeline",
		Long: `codepipe drives a coding request through preprocessing, planning, coding, review and
voting. Every completed stage is checkpointed, so an interrupted task resumes where it stopped.

Examples:
  # Submit a task against the current project and wait for the decision
  codepipe run "validate the input of Parse"

  # Resume a task after a crash
  codepipe resume 3f1c...

  # Serve the HTTP API
  codepipe serve --projectdir ./repo`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			abs, err := filepath.Abs(g.projectDir)
			if err != nil {
				return fmt.Errorf("failed to resolve project directory: %w", err)
			}
			g.projectDir = abs
			closeFile, err := initializeLogFile(filepath.Join(abs, ".codepipe", "logs"), g.tee, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			closeLog = closeFile
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <projectdir>/.codepipe/config.yaml)")
	root.PersistentFlags().StringVar(&g.projectDir, "projectdir", ".", "project directory")
	root.PersistentFlags().BoolVar(&g.tee, "tee", false, "write logs to stderr as well as the log file")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON even on a terminal")

	root.AddCommand(
		newRunCmd(g),
		newStatusCmd(g),
		newResumeCmd(g),
		newCancelCmd(g),
		newGraphCmd(g),
		newServeCmd(g),
	)
	return root, func() { closeLog() }
}

// initializeLogFile sends logs to codepipe.log under dir, and to errOut too when tee is set.
func initializeLogFile(dir string, tee bool, errOut io.Writer) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "codepipe.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	var w io.Writer = f
	if tee {
		w = io.MultiWriter(f, errOut)
	}
	logx.SetOutput(w)
	return func() {
		logx.SetOutput(nil)
		if err := f.Close(); err != nil {
			fmt.Fprintf(errOut, "Warning: failed to close log file: %v\n", err)
		}
	}, nil
}

// openKernel loads configuration, applies adjust, and builds a kernel rooted at the project
// directory.
func openKernel(ctx context.Context, g *globalFlags, adjust func(*config.Config)) (*kernel.Kernel, error) {
	path := g.configPath
	if path == "" {
		path = filepath.Join(g.projectDir, ".codepipe", "config.yaml")
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	return kernel.NewKernel(ctx, cfg, g.projectDir, kernelOptions...)
}
