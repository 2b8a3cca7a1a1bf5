package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LBatsoft/e-websearch/internal/app"
	"github.com/LBatsoft/e-websearch/internal/models"
)

// recordedPlan is what replay needs from a trace file.
type recordedPlan struct {
	Request  models.SearchRequest
	Strategy string
	Steps    int
}

type replayReport struct {
	Query            string `json:"query" yaml:"query"`
	RecordedStrategy string `json:"recorded_strategy" yaml:"recorded_strategy"`
	ReplayedStrategy string `json:"replayed_strategy" yaml:"replayed_strategy"`
	RecordedSteps    int    `json:"recorded_steps" yaml:"recorded_steps"`
	ReplayedSteps    int    `json:"replayed_steps" yaml:"replayed_steps"`
	Match            bool   `json:"match" yaml:"match"`
}

var errPlanMismatch = errors.New("replayed plan differs from the recorded plan")

// parseTrace accepts either a bare event array (agentctl search
// --trace-out) or the GET /agent/trace/{id} body.
func parseTrace(b []byte) ([]models.TraceEvent, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var events []models.TraceEvent
		if err := json.Unmarshal(b, &events); err != nil {
			return nil, fmt.Errorf("decode trace: %w", err)
		}
		return events, nil
	}
	var wrapped struct {
		Events []models.TraceEvent `json:"events"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return wrapped.Events, nil
}

// extractPlan reads the request from session_start and the first
// plan_created event. defaults fills request fields the trace lacks.
func extractPlan(events []models.TraceEvent, defaults models.SearchRequest) (recordedPlan, error) {
	rec := recordedPlan{Request: defaults}
	var haveStart, havePlan bool
	for _, evt := range events {
		switch {
		case evt.Type == models.EventSessionStart && !haveStart:
			haveStart = true
			if raw, ok := evt.Payload["request"]; ok {
				b, err := json.Marshal(raw)
				if err != nil {
					return rec, fmt.Errorf("session_start request: %w", err)
				}
				if err := json.Unmarshal(b, &rec.Request); err != nil {
					return rec, fmt.Errorf("session_start request: %w", err)
				}
				continue
			}
			if q, ok := evt.Payload["query"].(string); ok {
				rec.Request.Query = q
			}
			if s, ok := evt.Payload["strategy"].(string); ok {
				rec.Request.PlanningStrategy = s
			}
		case evt.Type == models.EventPlanCreated && !havePlan:
			havePlan = true
			rec.Strategy, _ = evt.Payload["strategy"].(string)
			switch n := evt.Payload["steps"].(type) {
			case float64:
				rec.Steps = int(n)
			case int:
				rec.Steps = n
			}
			if rec.Request.Query == "" {
				rec.Request.Query, _ = evt.Payload["query"].(string)
			}
		}
	}
	if !havePlan {
		return rec, fmt.Errorf("trace has no %s event", models.EventPlanCreated)
	}
	if rec.Request.Query == "" {
		return rec, fmt.Errorf("trace does not record the query")
	}
	return rec, nil
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		file   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "replay -f trace.json",
		Short: "Re-plan a recorded session and compare the plans",
		Long: `Re-run planning for the query and request recorded in a trace and
compare strategy and step count with the recorded plan_created event.

The command exits non-zero when the plans differ.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger()
			defer logger.Sync()

			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read trace: %w", err)
			}
			events, err := parseTrace(b)
			if err != nil {
				return err
			}
			rec, err := extractPlan(events, cfg.RequestDefaults())
			if err != nil {
				return err
			}

			res, err := app.NewPlanner(cfg, nil, logger).Plan(cmd.Context(), rec.Request, rec.Request.Timeout())
			if err != nil {
				return err
			}
			report := replayReport{
				Query:            rec.Request.Query,
				RecordedStrategy: rec.Strategy,
				ReplayedStrategy: string(res.Plan.Strategy),
				RecordedSteps:    rec.Steps,
				ReplayedSteps:    len(res.Plan.Steps),
			}
			report.Match = report.RecordedStrategy == report.ReplayedStrategy && report.RecordedSteps == report.ReplayedSteps
			if err := writeOutput(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}
			if !report.Match {
				return errPlanMismatch
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "trace JSON file")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
