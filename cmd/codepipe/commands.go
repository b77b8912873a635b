package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"codepipe/internal/kernel"
	"codepipe/pkg/api"
	"codepipe/pkg/config"
	"codepipe/pkg/orch"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var clientRef string
	cmd := &cobra.Command{
		Use:   "run <intent>",
		Short: "Submit a coding task and wait for its decision",
		Long: `Submit a coding task for the project directory and block until it completes, fails,
or waits on a tool. The project directory is the workspace: an active session on it is reused.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(cmd.Context(), g, nil)
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			resp, err := k.API.SubmitTask(cmd.Context(), &api.SubmitTaskRequest{
				WorkspaceID: g.projectDir,
				ClientRef:   clientRef,
				Intent:      strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			for _, w := range resp.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "task %s submitted on session %s\n", resp.TaskID, resp.SessionID)
			return waitAndPrint(cmd, g, k, resp.TaskID)
		},
	}
	cmd.Flags().StringVar(&clientRef, "client", "", "client reference recorded on a new session")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show where a task is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(cmd.Context(), g, nil)
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			resp, err := k.API.GetStatus(cmd.Context(), &api.GetStatusRequest{TaskID: args[0]})
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), g.jsonOut, resp.Task)
		},
	}
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue a task from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(cmd.Context(), g, nil)
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			if _, err := k.Orchestrator.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			return waitAndPrint(cmd, g, k, args[0])
		},
	}
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task, keeping its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(cmd.Context(), g, nil)
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			resp, err := k.API.CancelTask(cmd.Context(), &api.CancelTaskRequest{TaskID: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.TaskID, resp.State)
			return nil
		},
	}
}

func newGraphCmd(g *globalFlags) *cobra.Command {
	var (
		depth   int
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "graph [node-id...]",
		Short: "Export the project's memory network as Graphviz DOT",
		Long: `Build the memory network of the project directory and print it in DOT format. With node
ids, only their neighborhood up to --depth hops is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(cmd.Context(), g, nil)
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			n, err := k.Memory.Ensure(cmd.Context(), g.projectDir)
			if err != nil {
				return err
			}
			dot, err := n.ExportDOT(args, depth)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			if err := os.WriteFile(outPath, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "neighborhood depth around the given node ids")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API, /health and /metrics until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd.Context(), g, func(cfg *config.Config) {
				if addr != "" {
					cfg.Telemetry.MetricsAddr = addr
				}
			})
			if err != nil {
				return err
			}
			defer k.Stop() //nolint:errcheck // Stop never fails

			if k.Config.Telemetry.MetricsAddr == "" {
				return errors.New("no listen address: set --addr or telemetry.metrics_addr")
			}
			if err := k.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "serving on http://%s\n", k.Addr())
			<-cmd.Context().Done()
			fmt.Fprintln(cmd.ErrOrStderr(), "shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides telemetry.metrics_addr)")
	return cmd
}

// waitAndPrint blocks until taskID stops running, then prints its status. A failed task is
// reported as an error so the exit code reflects it.
func waitAndPrint(cmd *cobra.Command, g *globalFlags, k *kernel.Kernel, taskID string) error {
	task, err := k.Orchestrator.Wait(cmd.Context(), taskID)
	if err != nil {
		return fmt.Errorf("interrupted; resume with `codepipe resume %s`: %w", taskID, err)
	}
	st := orch.StatusOf(task)
	if err := printStatus(cmd.OutOrStdout(), g.jsonOut, st); err != nil {
		return err
	}
	if st.Error != nil {
		return fmt.Errorf("task %s %s: %s", taskID, st.State, st.Error.Message)
	}
	return nil
}
