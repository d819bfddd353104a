package secctx

import (
	"fmt"
	"strings"
)

// RulePolicy decides how non-mandatory rule failures count.
type RulePolicy string

const (
	// PolicyWarn records failures of non-mandatory rules as warnings.
	PolicyWarn RulePolicy = "warn"

	// PolicyEnforce makes every rule failure an issue.
	PolicyEnforce RulePolicy = "enforce"
)

// ParseRulePolicy returns the policy named by s. The empty string maps to
// PolicyWarn.
func ParseRulePolicy(s string) (RulePolicy, error) {
	switch RulePolicy(s) {
	case "", PolicyWarn:
		return PolicyWarn, nil
	case PolicyEnforce:
		return PolicyEnforce, nil
	}
	return "", fmt.Errorf("unknown rule policy %q (expected warn or enforce)", s)
}

// Rule is a named check run by ValidateContext. Check returns nil when the
// context passes. A failing Mandatory rule invalidates the context
// regardless of the policy.
type Rule struct {
	Name      string
	Mandatory bool
	Check     func(SecurityContext) error
}

// MaxRiskRule fails contexts whose risk score exceeds limit.
func MaxRiskRule(limit float64) Rule {
	return Rule{
		Name: "max-risk",
		Check: func(c SecurityContext) error {
			if c.RiskScore > limit {
				return fmt.Errorf("risk score %.2f exceeds %.2f", c.RiskScore, limit)
			}
			return nil
		},
	}
}

// RequireSourceIPRule fails contexts created without a source address.
func RequireSourceIPRule() Rule {
	return Rule{
		Name: "source-ip-present",
		Check: func(c SecurityContext) error {
			if strings.TrimSpace(c.SourceIP) == "" {
				return fmt.Errorf("no source ip recorded")
			}
			return nil
		},
	}
}

// evaluate runs rules against c and sorts failures into issues and warnings.
func evaluate(rules []Rule, policy RulePolicy, c SecurityContext) (issues, warnings []string) {
	for _, r := range rules {
		if r.Check == nil {
			continue
		}
		err := r.Check(c)
		if err == nil {
			continue
		}
		msg := fmt.Sprintf("rule %s: %v", r.Name, err)
		if r.Mandatory || policy == PolicyEnforce {
			issues = append(issues, msg)
		} else {
			warnings = append(warnings, msg)
		}
	}
	return issues, warnings
}
