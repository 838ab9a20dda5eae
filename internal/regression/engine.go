// Package regression classifies performance deltas between golden trace
// sets. Every verdict carries its statistical basis so a CI gate built on
// it can be audited after the fact.
package regression

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tracelens/tracelens/internal/graph"
	"github.com/tracelens/tracelens/internal/model"
)

// Verdict is the outcome of one baseline/current comparison.
type Verdict uint8

const (
	// Pass means no statistically significant change.
	Pass Verdict = iota
	// Improvement means a significant speed-up.
	Improvement
	// JustifiedRegression means a significant slowdown the change context
	// explains and no new critical finding contradicts.
	JustifiedRegression
	// UnjustifiedRegression means a significant slowdown with no accepted
	// justification, or one overridden by a new critical finding.
	UnjustifiedRegression
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Improvement:
		return "improvement"
	case JustifiedRegression:
		return "justified_regression"
	case UnjustifiedRegression:
		return "unjustified_regression"
	}
	return "unknown"
}

// Method names the statistical procedure that produced a verdict.
type Method uint8

const (
	// MannWhitney is the non-parametric two-sample test, used when both
	// sides have enough runs.
	MannWhitney Method = iota
	// DynamicThreshold is the small-sample fallback scaled by baseline
	// variability.
	DynamicThreshold
	// FixedThreshold is the last-resort fallback for a single-run baseline.
	FixedThreshold
)

func (m Method) String() string {
	switch m {
	case MannWhitney:
		return "mann_whitney_u"
	case DynamicThreshold:
		return "dynamic_threshold"
	case FixedThreshold:
		return "fixed_threshold"
	}
	return "unknown"
}

// Basis is the auditable statistical grounds for a verdict.
type Basis struct {
	Method     Method
	PValue     float64 // meaningful for MannWhitney only
	Threshold  float64 // relative change limit for the fallback methods
	Confidence float64
}

// Result is a full comparison outcome.
type Result struct {
	Verdict        Verdict
	Basis          Basis
	BaselineMeanNs float64
	CurrentMeanNs  float64
	ChangeRatio    float64 // (current-baseline)/baseline, signed
	FilteredNames  []string
	NewCritical    []graph.Finding
	Justification  string // matched context token, empty if none
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	ConfidenceLevel   float64  // default 0.95
	MinSampleSize     int      // default 10
	FallbackThreshold float64  // default 0.10
	NoiseSigma        float64  // default 2.0
	Justifications    []string // accepted change-context tokens
}

// defaultJustifications are the tokens recognized in a change context.
// Matching is a case-insensitive substring check.
var defaultJustifications = []string{
	"intentional", "expected", "accepted", "approved",
	"new feature", "tradeoff", "known cost",
}

func (c Config) withDefaults() Config {
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = 0.95
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	if c.FallbackThreshold <= 0 {
		c.FallbackThreshold = 0.10
	}
	if c.NoiseSigma <= 0 {
		c.NoiseSigma = 2.0
	}
	if len(c.Justifications) == 0 {
		c.Justifications = defaultJustifications
	}
	return c
}

// Engine compares golden trace sets.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine builds an engine with the given configuration.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg.withDefaults(), logger: logger}
}

// Compare classifies the performance delta from baseline to current.
// changeContext is the free-text description of the code change under test.
// baselineFindings and currentFindings are the anti-pattern findings of the
// two trace sets; a Critical finding present only in current overrides any
// stated justification.
func (e *Engine) Compare(
	baseline, current []model.GoldenTrace,
	changeContext string,
	baselineFindings, currentFindings []graph.Finding,
) (Result, error) {
	if len(baseline) == 0 || len(current) == 0 {
		return Result{}, fmt.Errorf("regression: both trace sets must be non-empty, got %d baseline and %d current", len(baseline), len(current))
	}

	cfg := e.cfg

	names, baseDurations := perNameDurations(baseline)
	stable, noisy := filterNoise(names, baseDurations, cfg.NoiseSigma)

	baseTotals := filteredTotals(baseline, stable)
	curTotals := filteredTotals(current, stable)

	res := Result{
		FilteredNames:  noisy,
		BaselineMeanNs: Mean(baseTotals),
		CurrentMeanNs:  Mean(curTotals),
		NewCritical:    newCriticalFindings(baselineFindings, currentFindings),
	}
	if res.BaselineMeanNs > 0 {
		res.ChangeRatio = (res.CurrentMeanNs - res.BaselineMeanNs) / res.BaselineMeanNs
	}

	var significant, slowdown bool
	if len(baseTotals) >= cfg.MinSampleSize && len(curTotals) >= cfg.MinSampleSize {
		_, p := MannWhitneyU(baseTotals, curTotals)
		res.Basis = Basis{Method: MannWhitney, PValue: p, Confidence: cfg.ConfidenceLevel}
		significant = p < 1-cfg.ConfidenceLevel
		slowdown = res.CurrentMeanNs > res.BaselineMeanNs
	} else {
		threshold := cfg.FallbackThreshold
		method := FixedThreshold
		if len(baseTotals) > 1 {
			mean := Mean(baseTotals)
			if mean > 0 {
				threshold = 2 * StdDev(baseTotals) / mean
				method = DynamicThreshold
			}
		}
		res.Basis = Basis{Method: method, Threshold: threshold, Confidence: cfg.ConfidenceLevel}
		significant = res.ChangeRatio > threshold || res.ChangeRatio < -threshold
		slowdown = res.ChangeRatio > 0
	}

	res.Justification = matchJustification(changeContext, cfg.Justifications)
	res.Verdict = classify(significant, slowdown, res.Justification, res.NewCritical)

	e.logger.Debug("regression compared",
		"verdict", res.Verdict.String(),
		"method", res.Basis.Method.String(),
		"p_value", res.Basis.PValue,
		"threshold", res.Basis.Threshold,
		"change_ratio", res.ChangeRatio,
		"filtered", len(noisy),
		"new_critical", len(res.NewCritical))
	return res, nil
}

func classify(significant, slowdown bool, justification string, newCritical []graph.Finding) Verdict {
	if !significant {
		return Pass
	}
	if !slowdown {
		return Improvement
	}
	// A new critical finding invalidates any stated justification.
	if len(newCritical) > 0 {
		return UnjustifiedRegression
	}
	if justification != "" {
		return JustifiedRegression
	}
	return UnjustifiedRegression
}

// matchJustification returns the first recognized token appearing in the
// change context, scanning tokens in configuration order.
func matchJustification(changeContext string, tokens []string) string {
	ctx := strings.ToLower(changeContext)
	for _, tok := range tokens {
		if strings.Contains(ctx, strings.ToLower(tok)) {
			return tok
		}
	}
	return ""
}

// newCriticalFindings returns current Critical findings with no baseline
// counterpart, matched by pattern and span name, in current order.
func newCriticalFindings(baseline, current []graph.Finding) []graph.Finding {
	seen := make(map[string]struct{}, len(baseline))
	for _, f := range baseline {
		if f.Severity == graph.SeverityCritical {
			seen[f.Pattern.String()+"\x00"+f.SpanName] = struct{}{}
		}
	}

	var fresh []graph.Finding
	for _, f := range current {
		if f.Severity != graph.SeverityCritical {
			continue
		}
		if _, ok := seen[f.Pattern.String()+"\x00"+f.SpanName]; ok {
			continue
		}
		fresh = append(fresh, f)
	}
	return fresh
}
