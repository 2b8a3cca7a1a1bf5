package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/tools"
	"github.com/LBatsoft/e-websearch/internal/util"
)

// Input is what a handler sees of the session.
type Input struct {
	SessionID   string
	Step        models.Step
	Request     models.SearchRequest
	Accumulated []models.ResultItem
}

// Output is the raw product of a handler. The engine turns it into a
// StepResult and derives the confidence score.
type Output struct {
	Results  []models.ResultItem
	Analysis *tools.ContentAnalysis
	// Confidence, when set, bypasses the analysis-based score.
	Confidence *float64
	Summary    string
	Tags       []string
	Rejected   []string
	Warnings   []string
}

// Handler executes one kind of step. A returned error is retried by the engine.
type Handler interface {
	Handle(ctx context.Context, in Input) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (Output, error)

func (f HandlerFunc) Handle(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

type searchHandler struct {
	search   tools.SearchTools
	ranking  tools.RankingService
	analysis tools.ContentAnalysisTools
}

func (h *searchHandler) Handle(ctx context.Context, in Input) (Output, error) {
	if h.search == nil {
		return Output{}, tools.ErrNoProviders
	}
	maxResults := in.Step.MaxResults
	if maxResults <= 0 {
		maxResults = in.Request.MaxResultsPerIteration
	}
	resp, err := h.search.Search(ctx, in.Step.Query, in.Request.Sources, maxResults, in.Request.IncludeContent)
	if err != nil {
		return Output{}, err
	}

	var out Output
	for _, src := range lo.Keys(resp.SourceErrors) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("source %s failed: %v", src, resp.SourceErrors[src]))
	}
	sort.Strings(out.Warnings)

	items := append([]models.ResultItem(nil), resp.Items...)
	if len(items) > maxResults {
		items = items[:maxResults]
	}
	if h.ranking != nil && len(items) > 0 {
		if scored, err := h.ranking.Score(ctx, in.Step.Query, items); err == nil && len(scored) == len(items) {
			items = scored
		} else if err != nil {
			out.Warnings = append(out.Warnings, "ranking unavailable: "+err.Error())
		}
	}
	for i := range items {
		items[i].FoundInStep = in.Step.ID
		items[i].StepType = in.Step.Type
	}
	out.Results = items

	if h.analysis != nil && len(items) > 0 {
		if a, err := h.analysis.Analyze(ctx, in.Step.Query, items); err == nil {
			out.Analysis = &a
		}
	}
	return out, nil
}

type analyzeHandler struct {
	analysis tools.ContentAnalysisTools
}

func (h *analyzeHandler) Handle(ctx context.Context, in Input) (Output, error) {
	if h.analysis == nil || len(in.Accumulated) == 0 {
		return Output{}, nil
	}
	a, err := h.analysis.Analyze(ctx, in.Request.Query, in.Accumulated)
	if err != nil {
		return Output{}, err
	}
	return Output{Analysis: &a}, nil
}

// maxSummaryInputs bounds what is sent to the enhancer.
const maxSummaryInputs = 10

type summarizeHandler struct {
	enhancer tools.ModelEnhancer
}

// Handle never fails: enhancer errors degrade to an empty summary or empty
// tags with a warning.
func (h *summarizeHandler) Handle(ctx context.Context, in Input) (Output, error) {
	var out Output
	if h.enhancer == nil || len(in.Accumulated) == 0 {
		return out, nil
	}
	inputs := in.Accumulated
	if len(inputs) > maxSummaryInputs {
		inputs = inputs[:maxSummaryInputs]
	}
	lang := in.Request.Language

	summary, err := h.enhancer.Summarize(ctx, in.Request.Query, inputs, lang)
	if err != nil {
		if !errors.Is(err, tools.ErrEnhancerDisabled) {
			out.Warnings = append(out.Warnings, "summary unavailable: "+err.Error())
		}
	} else {
		out.Summary = strings.TrimSpace(summary)
	}

	tags, err := h.enhancer.Tag(ctx, in.Request.Query, inputs, lang)
	if err != nil {
		if !errors.Is(err, tools.ErrEnhancerDisabled) {
			out.Warnings = append(out.Warnings, "tags unavailable: "+err.Error())
		}
	} else {
		out.Tags = tags
	}
	return out, nil
}

type validateHandler struct {
	threshold float64
}

// Handle rejects accumulated results whose title and snippet share too
// few terms with the session query. Confidence is the share kept.
func (h *validateHandler) Handle(_ context.Context, in Input) (Output, error) {
	var out Output
	if len(in.Accumulated) == 0 {
		return out, nil
	}
	for _, r := range in.Accumulated {
		if util.TermOverlap(in.Request.Query, r.Title+" "+r.Snippet) < h.threshold {
			out.Rejected = append(out.Rejected, r.URL)
		}
	}
	kept := float64(len(in.Accumulated)-len(out.Rejected)) / float64(len(in.Accumulated))
	out.Confidence = &kept
	if n := len(out.Rejected); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("validation filtered %d of %d results", n, len(in.Accumulated)))
	}
	return out, nil
}
