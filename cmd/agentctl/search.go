package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/app"
	"github.com/LBatsoft/e-websearch/internal/models"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		strategy      string
		maxIterations int
		timeout       int
		sources       []string
		output        string
		traceOut      string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a search session and print the final response",
		Long: `Run one session in process against the configured providers and print
the final response. Ctrl-C cancels the session and prints the partial
result.

Examples:
  agentctl search "golang generics tutorial"
  agentctl search --sources bing,zhihu --trace-out trace.json "向量数据库对比"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger()
			defer logger.Sync()

			req := cfg.RequestDefaults()
			req.Query = strings.Join(args, " ")
			req.PlanningStrategy = strategy
			if cmd.Flags().Changed("max-iterations") {
				req.MaxIterations = maxIterations
			}
			if cmd.Flags().Changed("timeout") {
				req.TimeoutSeconds = timeout
			}
			if len(sources) > 0 {
				req.Sources = req.Sources[:0]
				for _, s := range sources {
					req.Sources = append(req.Sources, models.SourceType(strings.TrimSpace(s)))
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			runCtx, cancelRun := context.WithCancel(context.Background())
			defer cancelRun()
			stack.Start(runCtx)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = stack.Close(sctx)
			}()

			id, err := stack.Orchestrator.CreateSession(req)
			if err != nil {
				return err
			}
			logger.Info("Session created", zap.String("session_id", id))

			if _, err := stack.Orchestrator.Wait(ctx, id); err != nil {
				logger.Info("Interrupted, cancelling session", zap.String("session_id", id))
				_ = stack.Orchestrator.Cancel(id)
				wctx, cancel := context.WithTimeout(context.Background(), cfg.Session.CancelGrace+time.Second)
				_, _ = stack.Orchestrator.Wait(wctx, id)
				cancel()
			}

			resp, err := stack.Orchestrator.Result(id)
			if err != nil {
				return err
			}
			if traceOut != "" {
				if err := writeTrace(stack, id, traceOut); err != nil {
					return err
				}
			}
			if err := writeOutput(cmd.OutOrStdout(), output, resp); err != nil {
				return err
			}
			if resp.Status == models.StatusFailed {
				return fmt.Errorf("session %s failed: %s", id, strings.Join(resp.Errors, "; "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a strategy: "+strategyList())
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override max_iterations")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "override the session timeout in seconds")
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "comma separated sources, e.g. bing,zhihu")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: yaml or json")
	cmd.Flags().StringVar(&traceOut, "trace-out", "", "write the session trace as JSON to this file")
	return cmd
}

func writeTrace(stack *app.Stack, id, path string) error {
	events, err := stack.Orchestrator.GetTrace(context.Background(), id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}
