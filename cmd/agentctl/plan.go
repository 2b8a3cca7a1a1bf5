package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/LBatsoft/e-websearch/internal/app"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/planner"
)

type stepOutput struct {
	ID         string `json:"step_id" yaml:"step_id"`
	Type       string `json:"step_type" yaml:"step_type"`
	Query      string `json:"query,omitempty" yaml:"query,omitempty"`
	Purpose    string `json:"purpose,omitempty" yaml:"purpose,omitempty"`
	Group      string `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	MaxResults int    `json:"max_results,omitempty" yaml:"max_results,omitempty"`
	TimeBudget string `json:"time_budget,omitempty" yaml:"time_budget,omitempty"`
}

type planOutput struct {
	PlanID     string       `json:"plan_id" yaml:"plan_id"`
	Query      string       `json:"query" yaml:"query"`
	Strategy   string       `json:"strategy" yaml:"strategy"`
	Confidence float64      `json:"confidence" yaml:"confidence"`
	QueryType  string       `json:"query_type" yaml:"query_type"`
	Complexity string       `json:"complexity" yaml:"complexity"`
	Intent     string       `json:"intent" yaml:"intent"`
	Entities   []string     `json:"entities,omitempty" yaml:"entities,omitempty"`
	Steps      []stepOutput `json:"steps" yaml:"steps"`
}

func newPlanOutput(res planner.Result) planOutput {
	out := planOutput{
		PlanID:     res.Plan.ID,
		Query:      res.Plan.Query,
		Strategy:   string(res.Plan.Strategy),
		Confidence: res.Plan.ConfidenceEstimate,
		QueryType:  string(res.Analysis.QueryType),
		Complexity: string(res.Analysis.Complexity),
		Intent:     res.Analysis.Intent,
		Entities:   res.Analysis.Entities,
	}
	for _, s := range res.Plan.Steps {
		so := stepOutput{
			ID:         s.ID,
			Type:       string(s.Type),
			Query:      s.Query,
			Purpose:    s.Purpose,
			Group:      s.Group,
			MaxResults: s.MaxResults,
		}
		if s.TimeBudget > 0 {
			so.TimeBudget = s.TimeBudget.String()
		}
		out.Steps = append(out.Steps, so)
	}
	return out
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var (
		strategy string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "plan <query>",
		Short: "Show the execution plan for a query",
		Long: `Analyze a query and print the plan the agent would execute, without
calling any search provider.

Examples:
  agentctl plan "kubernetes 和 docker 的区别"
  agentctl plan --strategy parallel -o json "rust async runtimes"`,
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
			if err := req.Validate(); err != nil {
				return err
			}

			res, err := app.NewPlanner(cfg, nil, logger).Plan(cmd.Context(), req, req.Timeout())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, newPlanOutput(res))
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a strategy: "+strategyList())
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func strategyList() string {
	return strings.Join([]string{
		string(models.StrategySimple),
		string(models.StrategyIterative),
		string(models.StrategyParallel),
		string(models.StrategyAdaptive),
	}, ", ")
}
