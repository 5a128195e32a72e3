// Package rules evaluates operator-defined CEL alert rules against the
// risk records of a recomputed bucket.
package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

const defaultMaxWorkers = 10

// Engine holds compiled alert rules. It is safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*compiledRule
	maxWorkers int
	now        func() time.Time
}

type compiledRule struct {
	rule    *domain.AlertRule
	program cel.Program
}

// Subject is one scored entity as seen by rule expressions.
type Subject struct {
	EntityID     string
	Jurisdiction int
	KYCLevel     string
	TxCount      int
	Record       domain.RiskRecord
}

// NewEngine creates an engine evaluating up to maxWorkers rules at once.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}

	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("bucket", cel.IntType),
		cel.Variable("jurisdiction", cel.IntType),
		cel.Variable("kyc_level", cel.StringType),
		cel.Variable("tx_count", cel.IntType),
		cel.Variable("near_threshold_count", cel.IntType),
		cel.Variable("cycle_count", cel.IntType),
		cel.Variable("detectors", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*compiledRule),
		maxWorkers: maxWorkers,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// ValidateRule compiles rule without loading it.
func (e *Engine) ValidateRule(rule *domain.AlertRule) error {
	_, err := e.compile(rule)
	return err
}

// LoadRule compiles rule and adds or replaces it.
func (e *Engine) LoadRule(rule *domain.AlertRule) error {
	c, err := e.compile(rule)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule.Enabled {
		e.compiled[rule.ID] = c
	} else {
		delete(e.compiled, rule.ID)
	}
	return nil
}

// ReloadRules replaces every loaded rule. Nothing changes if any enabled
// rule fails to compile.
func (e *Engine) ReloadRules(rules []*domain.AlertRule) error {
	next := make(map[string]*compiledRule, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		c, err := e.compile(r)
		if err != nil {
			return err
		}
		next[r.ID] = c
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Rules returns the loaded rules ordered by id.
func (e *Engine) Rules() []*domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.AlertRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.rule)
	}
	slices.SortFunc(out, func(a, b *domain.AlertRule) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Evaluate runs every loaded rule against every subject and returns one
// alert per match, ordered by rule id then subject order. Subjects a rule
// fails to evaluate are skipped and reported in the joined error.
func (e *Engine) Evaluate(ctx context.Context, datasetID string, bucket int, subjects []Subject) ([]*domain.Alert, error) {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()
	slices.SortFunc(rules, func(a, b *compiledRule) int { return strings.Compare(a.rule.ID, b.rule.ID) })

	if len(rules) == 0 || len(subjects) == 0 {
		return []*domain.Alert{}, nil
	}

	vars := make([]map[string]any, len(subjects))
	for i, s := range subjects {
		vars[i] = activation(bucket, s)
	}

	perRule := make([][]*domain.Alert, len(rules))
	evalErrs := make([][]error, len(rules))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)
	for i, c := range rules {
		g.Go(func() error {
			for j, s := range subjects {
				if err := ctx.Err(); err != nil {
					return err
				}
				out, _, err := c.program.Eval(vars[j])
				if err != nil {
					evalErrs[i] = append(evalErrs[i], fmt.Errorf("rule %s on %s: %w", c.rule.ID, s.EntityID, err))
					continue
				}
				if matched, ok := out.Value().(bool); ok && matched {
					perRule[i] = append(perRule[i], e.alert(datasetID, bucket, c.rule, s))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alerts := []*domain.Alert{}
	var errs []error
	for i := range rules {
		alerts = append(alerts, perRule[i]...)
		errs = append(errs, evalErrs[i]...)
	}
	return alerts, errors.Join(errs...)
}

func (e *Engine) alert(datasetID string, bucket int, rule *domain.AlertRule, s Subject) *domain.Alert {
	return &domain.Alert{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		EntityID:  s.EntityID,
		Bucket:    bucket,
		RiskScore: s.Record.RiskScore,
		Reasons:   s.Record.Reasons,
		CreatedAt: e.now(),
	}
}

func activation(bucket int, s Subject) map[string]any {
	var nearThreshold, cycles int
	if ev := s.Record.Evidence.Structuring; ev != nil {
		nearThreshold = ev.NearThresholdCount
	}
	if ev := s.Record.Evidence.CircularFlow; ev != nil {
		cycles = ev.CycleCount
	}
	detectors := s.Record.Evidence.Detectors()
	if detectors == nil {
		detectors = []string{}
	}

	return map[string]any{
		"risk_score":           s.Record.RiskScore,
		"entity_id":            s.EntityID,
		"bucket":               int64(bucket),
		"jurisdiction":         int64(s.Jurisdiction),
		"kyc_level":            s.KYCLevel,
		"tx_count":             int64(s.TxCount),
		"near_threshold_count": int64(nearThreshold),
		"cycle_count":          int64(cycles),
		"detectors":            detectors,
	}
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledRule)
	return nil
}

func (e *Engine) compile(rule *domain.AlertRule) (*compiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("alert rule is required")
	}
	switch rule.Severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
	default:
		return nil, fmt.Errorf("rule %s: unknown severity %q", rule.ID, rule.Severity)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}
