package canvas

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mkmik/multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/logger"
	"github.com/agentkube/kubegraph/pkg/metrics"
)

const (
	// DefaultRuleTimeout bounds a single rule invocation.
	DefaultRuleTimeout = 10 * time.Second
	// DefaultConcurrency is the number of rules or fetches run at once.
	DefaultConcurrency = 4
)

// ErrRuleTimeout is reported for rules that did not return in time.
var ErrRuleTimeout = errors.New("discovery rule timed out")

// RuleFailure describes a rule that contributed nothing for a resource.
type RuleFailure struct {
	Rule string
	Err  error
}

// DiscoveryResult is the outcome of running every applicable rule on one
// resource.
type DiscoveryResult struct {
	// Relationships are concatenated in rule order.
	Relationships []Relationship
	// Ran lists the rules that were invoked, in rule order.
	Ran      []string
	Failures []RuleFailure
}

type rulePanic struct {
	value interface{}
}

func (p rulePanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Orchestrator runs the registry's rules for a resource and isolates their
// failures from each other.
type Orchestrator struct {
	registry    *Registry
	backend     Backend
	ruleTimeout time.Duration
	concurrency int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorTimeout sets the per-rule timeout.
func WithOrchestratorTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.ruleTimeout = d
		}
	}
}

// WithOrchestratorConcurrency sets how many rules may run at once.
func WithOrchestratorConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// NewOrchestrator creates an orchestrator over registry and backend.
func NewOrchestrator(registry *Registry, backend Backend, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		backend:     backend,
		ruleTimeout: DefaultRuleTimeout,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DiscoverAll returns the relationships of obj from every applicable rule.
// Failing rules are logged and contribute nothing.
func (o *Orchestrator) DiscoverAll(ctx context.Context, obj *unstructured.Unstructured, opts BuildOptions) []Relationship {
	return o.Run(ctx, obj, opts).Relationships
}

// Run executes the rules for obj concurrently and reassembles their output
// in rule order. Rules whose category is disabled in opts are skipped.
func (o *Orchestrator) Run(ctx context.Context, obj *unstructured.Unstructured, opts BuildOptions) DiscoveryResult {
	var rules []Rule
	for _, rule := range o.registry.RulesFor(obj) {
		if cr, ok := rule.(CategorizedRule); ok && !opts.Includes(cr.Category()) {
			continue
		}
		rules = append(rules, rule)
	}

	outputs := make([][]Relationship, len(rules))
	errs := make([]error, len(rules))

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i, rule := range rules {
		g.Go(func() error {
			outputs[i], errs[i] = o.runRule(ctx, rule, obj)
			return nil
		})
	}
	_ = g.Wait()

	result := DiscoveryResult{Ran: make([]string, 0, len(rules))}
	var failed []error
	for i, rule := range rules {
		result.Ran = append(result.Ran, rule.Name())
		if errs[i] != nil {
			result.Failures = append(result.Failures, RuleFailure{Rule: rule.Name(), Err: errs[i]})
			failed = append(failed, errors.Wrapf(errs[i], "rule %s", rule.Name()))
			continue
		}
		result.Relationships = append(result.Relationships, outputs[i]...)
	}

	if len(failed) > 0 && ctx.Err() == nil {
		err := multierror.Join(failed)
		logger.Log(logger.LevelWarn, map[string]string{
			"resource": IdentifierFor(obj).String(),
			"failed":   strconv.Itoa(len(failed)),
			"rules":    strconv.Itoa(len(rules)),
		}, err, "discovery rules failed")
	}

	return result
}

func (o *Orchestrator) runRule(ctx context.Context, rule Rule, obj *unstructured.Unstructured) ([]Relationship, error) {
	ruleCtx, cancel := context.WithTimeout(ctx, o.ruleTimeout)
	defer cancel()

	type outcome struct {
		rels []Relationship
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: rulePanic{value: r}}
			}
		}()
		rels, err := rule.Discover(ruleCtx, obj, o.backend)
		done <- outcome{rels: rels, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err == nil:
			metrics.ObserveRule(rule.Name(), metrics.RuleOK, time.Since(start))
		case errors.Is(res.err, context.DeadlineExceeded) && ruleCtx.Err() != nil && ctx.Err() == nil:
			metrics.ObserveRule(rule.Name(), metrics.RuleTimeout, time.Since(start))
			return nil, errors.Wrap(ErrRuleTimeout, res.err.Error())
		case errors.As(res.err, new(rulePanic)):
			metrics.ObserveRule(rule.Name(), metrics.RulePanic, time.Since(start))
		default:
			metrics.ObserveRule(rule.Name(), metrics.RuleError, time.Since(start))
		}
		return res.rels, res.err
	case <-ruleCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ObserveRule(rule.Name(), metrics.RuleTimeout, time.Since(start))
		return nil, errors.Wrapf(ErrRuleTimeout, "after %s", o.ruleTimeout)
	}
}
