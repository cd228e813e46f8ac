// Package policy evaluates the operator's CEL admission policy over the
// gate's verdict. A policy can only narrow admission.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/daimoniac/bountyline/internal/errors"
)

// PolicyEngine defines the interface for policy evaluation
type PolicyEngine interface {
	// Evaluate determines whether a gate verdict passes the admission policy
	Evaluate(ctx context.Context, input Input) (*PolicyDecision, error)
}

// PolicyConfig defines a CEL-based policy configuration
type PolicyConfig struct {
	// Expression is the CEL expression that must evaluate to true for the candidate to be admitted
	// Available variables:
	//   - shouldProcess: the oracle's own recommendation
	//   - confidence: the oracle's confidence in [0,1]
	//   - estimatedTimeMinutes: the oracle's estimate, -1 when unknown
	//   - amount: reward as a number, 0 when absent
	//   - currency: reward currency code, empty when absent
	//   - platform: bounty platform name
	//   - repository: repository URL
	//   - title: issue title
	Expression string `yaml:"expression" json:"expression"`

	// FailureMessage is the message to return when the policy fails (optional)
	FailureMessage string `yaml:"failureMessage" json:"failureMessage"`
}

// Input is the set of values a policy expression can read
type Input struct {
	ShouldProcess        bool
	Confidence           float64
	EstimatedTimeMinutes *int
	Amount               float64
	Currency             string
	Platform             string
	Repository           string
	Title                string
}

// PolicyDecision represents the result of policy evaluation
type PolicyDecision struct {
	Passed bool
	Reason string
}

// Engine implements the PolicyEngine interface using CEL expressions
type Engine struct {
	logger     *slog.Logger
	config     PolicyConfig
	celProgram cel.Program
}

// NewEngine compiles the policy. An empty expression admits everything.
func NewEngine(logger *slog.Logger, config PolicyConfig) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.Expression == "" {
		config.Expression = `true`
	}

	env, err := cel.NewEnv(
		cel.Variable("shouldProcess", cel.BoolType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("estimatedTimeMinutes", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("repository", cel.StringType),
		cel.Variable("title", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(config.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.NewPermanentf("failed to compile policy expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, errors.NewPermanentf("policy expression must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Engine{
		logger:     logger.With("component", "policy"),
		config:     config,
		celProgram: program,
	}, nil
}

// Evaluate runs the policy expression against input
func (e *Engine) Evaluate(ctx context.Context, input Input) (*PolicyDecision, error) {
	estimate := int64(-1)
	if input.EstimatedTimeMinutes != nil {
		estimate = int64(*input.EstimatedTimeMinutes)
	}

	out, _, err := e.celProgram.ContextEval(ctx, map[string]any{
		"shouldProcess":        input.ShouldProcess,
		"confidence":           input.Confidence,
		"estimatedTimeMinutes": estimate,
		"amount":               input.Amount,
		"currency":             input.Currency,
		"platform":             input.Platform,
		"repository":           input.Repository,
		"title":                input.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("policy expression did not return a boolean: %v", out.Value())
	}

	decision := &PolicyDecision{Passed: passed}
	if passed {
		decision.Reason = "admission policy passed"
		e.logger.Debug("policy evaluation passed",
			"repository", input.Repository,
			"platform", input.Platform)
		return decision, nil
	}

	decision.Reason = e.config.FailureMessage
	if decision.Reason == "" {
		decision.Reason = fmt.Sprintf("admission policy failed: %s", e.config.Expression)
	}
	e.logger.Info("policy evaluation failed",
		"repository", input.Repository,
		"platform", input.Platform,
		"amount", input.Amount,
		"confidence", input.Confidence,
		"expression", e.config.Expression)

	return decision, nil
}
