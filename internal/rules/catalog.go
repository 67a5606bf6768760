// Package rules provides the fraud rule catalog.
//
// The catalog holds every active rule in validated, ready-to-evaluate form:
// typed condition structs for the built-in rule types and pre-compiled CEL
// programs for custom rules. Readers take a momentary snapshot, so a rule
// edited mid-evaluation never affects an in-flight evaluation while the next
// evaluation sees the new state immediately.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/starbooked/merlin/internal/domain"
)

// ActiveRule is a rule in evaluation-ready form.
type ActiveRule struct {
	Rule *domain.Rule

	// Conditions is the typed variant decoded from the rule's JSON:
	// *PatternConditions, *EmailConditions, *VelocityConditions,
	// *HistoryConditions, or *CustomConditions.
	Conditions interface{}

	// Program is the compiled CEL program for custom rules, nil otherwise.
	Program cel.Program
}

// Catalog is the active rule set. Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]*ActiveRule
}

// NewCatalog creates an empty catalog with the CEL environment used by
// custom rules.
func NewCatalog() (*Catalog, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("days_notice", cel.IntType),
		cel.Variable("email", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("account_age_days", cel.IntType),
		cel.Variable("total_bookings", cel.IntType),
		cel.Variable("cancelled_bookings", cel.IntType),
		cel.Variable("cancelled_fraction", cel.DoubleType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Catalog{
		env:   env,
		rules: make(map[string]*ActiveRule),
	}, nil
}

// Validate checks a rule definition without mutating the catalog. Returns
// ErrInvalidRuleDefinition for malformed conditions or CEL expressions.
func (c *Catalog) Validate(rule *domain.Rule) error {
	_, err := c.compile(rule)
	return err
}

// Load validates and stores a rule, replacing any rule with the same id.
func (c *Catalog) Load(rule *domain.Rule) error {
	active, err := c.compile(rule)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[rule.ID] = active
	return nil
}

// LoadAll loads every active rule from the list. Inactive rules are skipped.
func (c *Catalog) LoadAll(list []*domain.Rule) error {
	for _, rule := range list {
		if !rule.Active {
			continue
		}
		if err := c.Load(rule); err != nil {
			return err
		}
	}
	return nil
}

// Reload replaces the whole catalog with the given rule set. This enables
// hot-reloading from the database; the swap is atomic, so concurrent
// snapshots see either the old or the new catalog, never a mix.
func (c *Catalog) Reload(list []*domain.Rule) error {
	next := make(map[string]*ActiveRule, len(list))
	for _, rule := range list {
		if !rule.Active {
			continue
		}
		active, err := c.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = active
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = next
	return nil
}

// Remove drops a rule from the catalog. Unknown ids are a no-op.
func (c *Catalog) Remove(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, ruleID)
}

// Snapshot returns the current rule set ordered by descending weight, then
// name. The slice is private to the caller.
func (c *Catalog) Snapshot() []*ActiveRule {
	c.mu.RLock()
	out := make([]*ActiveRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule.Weight != out[j].Rule.Weight {
			return out[i].Rule.Weight > out[j].Rule.Weight
		}
		return out[i].Rule.Name < out[j].Rule.Name
	})
	return out
}

// Get returns the active rule with the given id, or nil.
func (c *Catalog) Get(ruleID string) *ActiveRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[ruleID]
}

// Count returns the number of loaded rules.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

func (c *Catalog) compile(rule *domain.Rule) (*ActiveRule, error) {
	conditions, err := rule.ParseConditions()
	if err != nil {
		return nil, err
	}

	active := &ActiveRule{
		Rule:       rule,
		Conditions: conditions,
	}

	if custom, ok := conditions.(*domain.CustomConditions); ok {
		program, err := c.compileExpression(rule.ID, custom.Expression)
		if err != nil {
			return nil, err
		}
		active.Program = program
	}

	return active, nil
}

func (c *Catalog) compileExpression(ruleID, expression string) (cel.Program, error) {
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRuleDefinition, ruleID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s",
			domain.ErrInvalidRuleDefinition, ruleID, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRuleDefinition, ruleID, err)
	}
	return program, nil
}

// Activation builds the CEL variable bindings for a booking context.
func Activation(bc *domain.BookingContext) map[string]interface{} {
	metadata := bc.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"amount":             bc.Amount,
		"days_notice":        int64(bc.DaysNotice()),
		"email":              bc.Email,
		"email_domain":       bc.EmailDomain(),
		"ip":                 bc.IP,
		"account_age_days":   int64(bc.AccountAgeDays),
		"total_bookings":     int64(bc.TotalBookings()),
		"cancelled_bookings": int64(bc.CancelledBookings),
		"cancelled_fraction": bc.CancelledFraction(),
		"metadata":           metadata,
	}
}
