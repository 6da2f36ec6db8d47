package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/reach/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/reach/internal/adapters/out/apiclient"
	"github.com/bnema/reach/internal/app"
	"github.com/bnema/reach/internal/domain"
)

// newWatchCmd creates the watch command.
func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		interval    time.Duration
		maxInterval time.Duration
		maxRetries  int
	)

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Poll an API path with adaptive backoff",
		Long: `Poll an API path until interrupted. Failures stretch the interval up to
--max-interval and a success resets it.

Signals: SIGUSR1 pauses polling, SIGUSR2 resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg := a.Config.PollingConfig()
				if cmd.Flags().Changed("interval") {
					cfg.InitialInterval = interval
				}
				if cmd.Flags().Changed("max-interval") {
					cfg.MaxInterval = maxInterval
				}
				if cmd.Flags().Changed("max-retries") {
					cfg.MaxRetries = maxRetries
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				return runWatch(ctx, cmd, a, args[0], cfg)
			})
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Initial polling interval (default from config)")
	cmd.Flags().DurationVar(&maxInterval, "max-interval", 0, "Longest interval after failures (default from config)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Stop after this many consecutive failures (0 never stops)")

	return cmd
}

// syncWriter serializes writes from poll callbacks and the signal loop.
// After Close, writes are dropped so a callback still finishing after Stop
// never touches the command's writer.
type syncWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *syncWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func runWatch(ctx context.Context, cmd *cobra.Command, a *app.App, path string, cfg domain.PollingConfig) error {
	out := &syncWriter{w: cmd.OutOrStdout()}
	defer out.Close()
	id := "watch:" + path

	a.Session.Start(ctx)

	poll := func(ctx context.Context) (bool, error) {
		var body json.RawMessage
		err := a.API.Get(ctx, path, &body, apiclient.CacheTTL(0), apiclient.NoRetry())
		ts := styles.Theme.Muted.Render(time.Now().Format(time.TimeOnly))
		if err != nil {
			fmt.Fprintf(out, "%s %s\n", ts, styles.Theme.Error.Render(styles.IconError+" "+err.Error()))
			return false, err
		}
		var compact bytes.Buffer
		if json.Compact(&compact, body) != nil {
			compact.Reset()
			compact.Write(body)
		}
		fmt.Fprintf(out, "%s %s\n", ts, compact.String())
		return true, nil
	}

	if err := a.Polling.Start(ctx, id, poll, cfg); err != nil {
		return err
	}
	defer a.Polling.Stop(id)

	// First poll now rather than after a full interval.
	if err := a.Polling.Trigger(id); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				a.Polling.PauseAll()
				fmt.Fprintln(out, styles.Theme.Warning.Render(styles.IconPending+" paused"))
			case syscall.SIGUSR2:
				a.Polling.ResumeAll()
				fmt.Fprintln(out, styles.Theme.Success.Render(styles.IconSuccess+" resumed"))
			}
		case <-ticker.C:
			if _, ok := a.Polling.Status(id); !ok {
				return fmt.Errorf("polling %s stopped after %d consecutive failures", path, cfg.MaxRetries)
			}
		}
	}
}
