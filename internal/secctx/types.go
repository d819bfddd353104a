package secctx

import (
	"fmt"
	"time"

	"authcoord/internal/auth"
)

// SecurityLevel classifies how sensitive a context is.
// Levels are ordered: public < internal < confidential < secret.
type SecurityLevel string

const (
	LevelPublic       SecurityLevel = "public"
	LevelInternal     SecurityLevel = "internal"
	LevelConfidential SecurityLevel = "confidential"
	LevelSecret       SecurityLevel = "secret"
)

var levelRank = map[SecurityLevel]int{
	LevelPublic:       0,
	LevelInternal:     1,
	LevelConfidential: 2,
	LevelSecret:       3,
}

// ParseSecurityLevel returns the level named by s. The empty string maps to
// LevelInternal.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	if s == "" {
		return LevelInternal, nil
	}
	l := SecurityLevel(s)
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown security level %q (expected public, internal, confidential or secret)", s)
	}
	return l, nil
}

// AtLeast reports whether l is as sensitive as other or more.
func (l SecurityLevel) AtLeast(other SecurityLevel) bool {
	return levelRank[l] >= levelRank[other]
}

// AccessControl gates who may receive a context.
type AccessControl struct {
	// RequiredPermissions must all be held by the wrapped identity.
	RequiredPermissions []string `json:"requiredPermissions,omitempty"`

	// AllowedComponents restricts propagation when non-empty.
	AllowedComponents []string `json:"allowedComponents,omitempty"`

	SecurityLevel SecurityLevel `json:"securityLevel"`

	// Expiration is always after the owning context's Timestamp.
	Expiration time.Time `json:"expiration"`
}

// SecurityContext wraps an AuthContext for propagation across internal
// component boundaries. Callers only ever receive copies.
type SecurityContext struct {
	ID              string           `json:"id"`
	RequestID       string           `json:"requestId"`
	AuthContext     auth.AuthContext `json:"authContext"`
	SourceComponent string           `json:"sourceComponent"`
	SourceIP        string           `json:"sourceIp,omitempty"`
	UserAgent       string           `json:"userAgent,omitempty"`
	DeviceID        string           `json:"deviceId,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	RiskScore       float64          `json:"riskScore"`
	TrustedDevice   bool             `json:"trustedDevice"`
	AccessControl   AccessControl    `json:"accessControl"`
}

func (c *SecurityContext) clone() *SecurityContext {
	cp := *c
	cp.AuthContext = c.AuthContext.Clone()
	cp.AccessControl.RequiredPermissions = cloneStrings(c.AccessControl.RequiredPermissions)
	cp.AccessControl.AllowedComponents = cloneStrings(c.AccessControl.AllowedComponents)
	return &cp
}

// CreateOptions are the caller-supplied attributes of a new context.
type CreateOptions struct {
	// RequestID correlates the context with an inbound request. A ULID is
	// generated when empty.
	RequestID string

	SourceIP  string
	UserAgent string
	DeviceID  string

	// SecurityLevel defaults to LevelInternal.
	SecurityLevel SecurityLevel

	AllowedComponents   []string
	RequiredPermissions []string

	// TTL overrides the configured default lifetime.
	TTL time.Duration
}

// ValidationReport is the outcome of ValidateContext. Issues make a context
// invalid; warnings do not.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Expired  bool     `json:"expired,omitempty"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
