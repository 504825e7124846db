// Package deployment resolves the upstream provider of a router deployment.
package deployment

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/ogulcanaydogan/budgetgate/pkg/model"
)

// ErrUnresolvedProvider is the single error kind returned by ProviderOf.
var ErrUnresolvedProvider = errors.New("unresolved provider")

// ErrInvalidRule is returned when a classification rule cannot be compiled.
var ErrInvalidRule = errors.New("invalid classification rule")

// Rule assigns Provider to deployments for which the CEL expression When
// evaluates to true.
type Rule struct {
	When     string `mapstructure:"when" yaml:"when" json:"when"`
	Provider string `mapstructure:"provider" yaml:"provider" json:"provider"`
}

// DefaultRules covers bare model names of the common providers.
func DefaultRules() []Rule {
	return []Rule{
		{When: `deployment.model.startsWith("gpt-") || deployment.model.matches("^o[0-9]")`, Provider: "openai"},
		{When: `deployment.model.startsWith("claude-")`, Provider: "anthropic"},
		{When: `deployment.model.startsWith("gemini-")`, Provider: "gemini"},
	}
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Classifier derives a provider from a deployment. Resolution order:
//
//  1. the deployment's explicit Provider field
//  2. a "provider/model" prefix on the model name
//  3. the first matching rule
//
// Rules are compiled once; ProviderOf is safe for concurrent use.
type Classifier struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewClassifier compiles rules in order.
func NewClassifier(rules []Rule, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("deployment.id", cel.StringType),
		cel.Variable("deployment.model", cel.StringType),
		cel.Variable("deployment.api_base", cel.StringType),
		cel.Variable("deployment.metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Provider == "" {
			return nil, fmt.Errorf("%w: rule %d: missing provider", ErrInvalidRule, i)
		}
		ast, issues := env.Compile(rule.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %d %q: %v", ErrInvalidRule, i, rule.When, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: rule %d %q must evaluate to bool, got %s", ErrInvalidRule, i, rule.When, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d %q: %v", ErrInvalidRule, i, rule.When, err)
		}
		compiled = append(compiled, compiledRule{Rule: rule, program: prg})
	}

	return &Classifier{
		rules:  compiled,
		logger: logger.With("component", "deployment.Classifier"),
	}, nil
}

// ProviderOf returns the normalised provider of d. Every failure wraps
// ErrUnresolvedProvider.
func (c *Classifier) ProviderOf(d model.Deployment) (string, error) {
	if p := model.NormalizeProvider(d.Provider); p != "" {
		return p, nil
	}

	if prefix, _, ok := strings.Cut(d.Model, "/"); ok {
		if p := model.NormalizeProvider(prefix); p != "" {
			return p, nil
		}
	}

	if len(c.rules) > 0 {
		vars := map[string]any{
			"deployment.id":       d.ID,
			"deployment.model":    d.Model,
			"deployment.api_base": d.APIBase,
			"deployment.metadata": d.Metadata,
		}
		if d.Metadata == nil {
			vars["deployment.metadata"] = map[string]string{}
		}

		for _, rule := range c.rules {
			out, _, err := rule.program.Eval(vars)
			if err != nil {
				return "", fmt.Errorf("%w: deployment %q: rule %q: %v", ErrUnresolvedProvider, d.ID, rule.When, err)
			}
			if matched, ok := out.Value().(bool); ok && matched {
				c.logger.Debug("provider resolved by rule",
					"deployment", d.ID,
					"model", d.Model,
					"provider", rule.Provider,
				)
				return model.NormalizeProvider(rule.Provider), nil
			}
		}
	}

	return "", fmt.Errorf("%w: deployment %q (model %q)", ErrUnresolvedProvider, d.ID, d.Model)
}
