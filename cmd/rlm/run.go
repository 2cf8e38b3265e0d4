package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rlm/internal/kernel"
	"rlm/pkg/config"
	"rlm/pkg/events"
	"rlm/pkg/logx"
	"rlm/pkg/session"
	"rlm/pkg/workflow"
)

const stopTimeout = 30 * time.Second

// startKernel loads config and builds a started kernel.
func startKernel(ctx context.Context, flags *globalFlags, opts kernel.Options) (*kernel.Kernel, error) {
	projectDir, err := setup(flags)
	if err != nil {
		return nil, err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(cfg, projectDir, opts)
	if err != nil {
		return nil, err
	}
	if err := k.Start(ctx); err != nil {
		stopKernel(k)
		return nil, err
	}
	return k, nil
}

// stopKernel flushes sessions and releases resources on a fresh context,
// since the command context is usually cancelled by now.
func stopKernel(k *kernel.Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := k.Stop(ctx); err != nil {
		logx.NewLogger("rlm").Error("Error stopping kernel: %v", err)
	}
}

// flushOnPanic stops the kernel, which persists every session, before
// letting a panic terminate the process.
func flushOnPanic(k *kernel.Kernel) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, buf[:n])
		stopKernel(k)
		os.Exit(2)
	}
}

func runCmd(flags *globalFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task in the foreground",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			return foreground(cmd, flags, sessionID, func(c *session.Controller) (<-chan events.Event, error) {
				return c.ProcessUserMessage(context.Background(), task)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: generated)")
	return cmd
}

func resumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted session from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return foreground(cmd, flags, args[0], func(c *session.Controller) (<-chan events.Event, error) {
				if !c.HasIncompleteWork() {
					return nil, fmt.Errorf("%w: session %s has no incomplete work", session.ErrNoCheckpoint, c.ID())
				}
				return c.ProcessUserMessage(context.Background(), "continue")
			})
		},
	}
}

// foreground runs one session to completion, printing its events. SIGINT or
// SIGTERM aborts the run; the stream then ends with a stopped outcome and
// the checkpoint is flushed before exit.
func foreground(cmd *cobra.Command, flags *globalFlags, sessionID string, begin func(*session.Controller) (<-chan events.Event, error)) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := startKernel(ctx, flags, kernel.Options{})
	if err != nil {
		return err
	}
	defer stopKernel(k)
	defer flushOnPanic(k)

	var c *session.Controller
	if sessionID == "" {
		c, err = k.Sessions.CreateSession(session.SessionConfig{})
		if err != nil {
			return err
		}
	} else if c = k.Sessions.GetSession(sessionID); c == nil {
		return fmt.Errorf("invalid session ID %q", sessionID)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "📋 Session %s\n", c.ID())

	evs, err := begin(c)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		c.Abort()
	}()

	printer := newEventPrinter(cmd.OutOrStdout(), isTerminal(os.Stdout))
	for ev := range evs {
		if err := printer.print(ev); err != nil {
			return err
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer waitCancel()
	out, err := c.Wait(waitCtx)
	if err != nil && !errors.Is(err, session.ErrNoRun) {
		return err
	}
	switch out.Kind {
	case workflow.OutcomeStopped:
		fmt.Fprintf(cmd.ErrOrStderr(), "🛑 Stopped; resume with: rlm resume %s\n", c.ID())
	case workflow.OutcomeFailed, workflow.OutcomeDoomLoop:
		return fmt.Errorf("session %s %s: %s", c.ID(), out.Kind, out.Reason)
	}
	return nil
}
