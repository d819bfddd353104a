package secctx

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
	"authcoord/internal/metrics"
	"authcoord/internal/scheduler"
	"authcoord/pkg/logging"
)

const (
	taskContextCleanup = "context-cleanup"
	taskAuditTrim      = "audit-trim"
)

// Manager owns the security-context table and the audit trail. All reads
// and writes of contexts go through its methods.
type Manager struct {
	cfg           Config
	clock         clock.WithTicker
	metrics       *metrics.Metrics
	binder        SessionBinder
	knownIP       IPPredicate
	trustedDevice DevicePredicate
	rules         []Rule
	scorer        scorer
	trusted       map[string]struct{}
	audit         *auditTrail

	mu         sync.RWMutex
	contexts   map[string]*SecurityContext
	components map[string]map[string]struct{}

	schedMu   sync.Mutex
	scheduler *scheduler.Scheduler
}

// Stats summarises the manager for status reporting.
type Stats struct {
	Enabled        bool     `json:"enabled"`
	Running        bool     `json:"running"`
	ActiveContexts int      `json:"activeContexts"`
	AuditEntries   int      `json:"auditEntries"`
	Rules          []string `json:"rules,omitempty"`
}

// New validates cfg and returns a Manager. Invalid configuration yields a
// CONFIGURATION_ERROR.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, auth.Wrap(err, auth.ErrConfiguration, "invalid security context configuration")
	}
	knownIP, err := NetworkPredicate(cfg.KnownNetworks)
	if err != nil {
		return nil, auth.Wrap(err, auth.ErrConfiguration, "invalid security context configuration")
	}

	m := &Manager{
		cfg:           cfg,
		clock:         clock.RealClock{},
		knownIP:       knownIP,
		trustedDevice: untrustedDevice,
		trusted:       make(map[string]struct{}, len(cfg.TrustedComponents)),
		audit:         newAuditTrail(cfg.AuditMaxEntries, cfg.AuditMaxAge),
		contexts:      make(map[string]*SecurityContext),
		components:    make(map[string]map[string]struct{}),
	}
	for _, c := range cfg.TrustedComponents {
		m.trusted[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}

	high := make(map[string]struct{}, len(cfg.HighPrivilegePermissions))
	for _, p := range cfg.HighPrivilegePermissions {
		high[p] = struct{}{}
	}
	m.scorer = scorer{knownIP: m.knownIP, trustedDevice: m.trustedDevice, highPrivilege: high}
	return m, nil
}

// Enabled reports whether security contexts are turned on.
func (m *Manager) Enabled() bool { return !m.cfg.Disabled }

// CreateSecurityContext wraps ac into a new context owned by source. The
// context expires after opts.TTL (or the configured default) and carries a
// risk score in [0,1].
func (m *Manager) CreateSecurityContext(ac auth.AuthContext, source string, opts CreateOptions) (*SecurityContext, error) {
	if m.cfg.Disabled {
		return nil, disabledError()
	}
	if strings.TrimSpace(source) == "" {
		return nil, auth.NewError(auth.ErrContextInvalid, "source component is required")
	}
	level, err := ParseSecurityLevel(string(opts.SecurityLevel))
	if err != nil {
		return nil, auth.Wrap(err, auth.ErrContextInvalid, "invalid security level")
	}
	if opts.TTL < 0 {
		return nil, auth.Errorf(auth.ErrContextInvalid, "ttl must not be negative, got %s", opts.TTL)
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ac.Credentials == nil {
		return nil, auth.NewError(auth.ErrInvalidCredentials, "auth context carries no credentials")
	}

	now := m.clock.Now()
	if auth.IsExpired(ac.Credentials, now, 0) {
		return nil, auth.NewError(auth.ErrTokenExpired, "cannot create a security context from expired credentials").
			WithContext("session", logging.TruncateSessionID(ac.SessionID))
	}
	if missing := missingPermissions(ac, opts.RequiredPermissions); len(missing) > 0 {
		ae := auth.Errorf(auth.ErrInsufficientPermissions, "missing required permissions: %s", strings.Join(missing, ", ")).
			WithContext("component", source)
		m.violation("", source, level, ae)
		return nil, ae
	}

	risk, trustedDevice := m.scorer.score(ac, opts)
	requestID := opts.RequestID
	if requestID == "" {
		requestID = ulid.Make().String()
	}
	sc := &SecurityContext{
		ID:              ulid.Make().String(),
		RequestID:       requestID,
		AuthContext:     ac.Clone(),
		SourceComponent: source,
		SourceIP:        opts.SourceIP,
		UserAgent:       opts.UserAgent,
		DeviceID:        opts.DeviceID,
		Timestamp:       now,
		RiskScore:       risk,
		TrustedDevice:   trustedDevice,
		AccessControl: AccessControl{
			RequiredPermissions: cloneStrings(opts.RequiredPermissions),
			AllowedComponents:   cloneStrings(opts.AllowedComponents),
			SecurityLevel:       level,
			Expiration:          now.Add(ttl),
		},
	}

	if m.binder != nil && ac.SessionID != "" {
		if err := m.binder.AttachSecurityContext(ac.SessionID, sc.ID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.contexts[sc.ID] = sc
	m.indexLocked(source, sc.ID)
	active := len(m.contexts)
	out := sc.clone()
	m.mu.Unlock()

	m.record(EventContextCreated, sc.ID, source, level, map[string]string{
		"requestId": requestID,
		"riskScore": fmt.Sprintf("%.2f", risk),
		"sessionId": logging.TruncateSessionID(ac.SessionID),
	})
	m.metrics.RecordContextCreated()
	m.metrics.SetActiveContexts(active)
	logging.Debug("SecurityContext", "Created context %s for %s (level=%s, risk=%.2f)", sc.ID, source, level, risk)
	return out, nil
}

// PropagateContext hands the context to target after checking its access
// control and that it holds every permission in required.
func (m *Manager) PropagateContext(contextID, target string, required []string) (*SecurityContext, error) {
	if m.cfg.Disabled {
		return nil, disabledError()
	}
	now := m.clock.Now()

	m.mu.Lock()
	sc, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return nil, notFoundError(contextID)
	}
	level := sc.AccessControl.SecurityLevel
	if reason := m.staleReason(sc, now); reason != "" {
		m.mu.Unlock()
		ae := auth.Errorf(auth.ErrContextInvalid, "context %s is no longer valid: %s", contextID, reason).
			WithContext("component", target)
		m.violation(contextID, target, level, ae)
		return nil, ae
	}
	if ae := m.checkAccess(sc, target, required); ae != nil {
		m.mu.Unlock()
		m.violation(contextID, target, level, ae)
		return nil, ae
	}
	m.indexLocked(target, contextID)
	out := sc.clone()
	m.mu.Unlock()

	m.record(EventContextPropagated, contextID, target, level, map[string]string{
		"from": out.SourceComponent,
	})
	m.metrics.RecordContextPropagated()
	return out, nil
}

// GetSecurityContext returns a copy of the context for component. The
// source component always has access; others pass the same checks as
// PropagateContext without extra permissions.
func (m *Manager) GetSecurityContext(contextID, component string) (*SecurityContext, error) {
	if m.cfg.Disabled {
		return nil, disabledError()
	}
	now := m.clock.Now()

	m.mu.RLock()
	sc, ok := m.contexts[contextID]
	if !ok {
		m.mu.RUnlock()
		return nil, notFoundError(contextID)
	}
	out := sc.clone()
	stale := m.staleReason(sc, now)
	var denied *auth.AuthError
	if component != sc.SourceComponent {
		denied = m.checkAccess(sc, component, nil)
	}
	m.mu.RUnlock()

	level := out.AccessControl.SecurityLevel
	if stale != "" {
		return nil, auth.Errorf(auth.ErrContextInvalid, "context %s is no longer valid: %s", contextID, stale)
	}
	if denied != nil {
		m.violation(contextID, component, level, denied)
		return nil, denied
	}
	return out, nil
}

// ValidateContext checks expiration, age, credential expiry and the
// configured rules. Failing non-mandatory rules are warnings under
// PolicyWarn. An audit entry is written only when something was found.
func (m *Manager) ValidateContext(contextID string) ValidationReport {
	if m.cfg.Disabled {
		return ValidationReport{Issues: []string{string(auth.ErrContextDisabled)}}
	}
	now := m.clock.Now()

	m.mu.RLock()
	sc, ok := m.contexts[contextID]
	var cp *SecurityContext
	if ok {
		cp = sc.clone()
	}
	m.mu.RUnlock()

	if !ok {
		return ValidationReport{Issues: []string{fmt.Sprintf("%s: %s", auth.ErrContextNotFound, contextID)}}
	}

	var report ValidationReport
	if !now.Before(cp.AccessControl.Expiration) {
		report.Expired = true
		report.Issues = append(report.Issues, "access control expired")
	}
	if now.Sub(cp.Timestamp) > m.cfg.MaxContextAge {
		report.Expired = true
		report.Issues = append(report.Issues, fmt.Sprintf("context older than %s", m.cfg.MaxContextAge))
	}
	if auth.IsExpired(cp.AuthContext.Credentials, now, 0) {
		report.Issues = append(report.Issues, "credentials expired")
	}
	issues, warnings := evaluate(m.rules, m.cfg.RulePolicy, *cp)
	report.Issues = append(report.Issues, issues...)
	report.Warnings = warnings
	report.Valid = len(report.Issues) == 0

	if len(report.Issues) > 0 || len(report.Warnings) > 0 {
		details := map[string]string{"valid": fmt.Sprintf("%t", report.Valid)}
		if len(report.Issues) > 0 {
			details["issues"] = strings.Join(report.Issues, "; ")
		}
		if len(report.Warnings) > 0 {
			details["warnings"] = strings.Join(report.Warnings, "; ")
		}
		m.record(EventContextValidated, contextID, cp.SourceComponent, cp.AccessControl.SecurityLevel, details)
	}
	return report
}

// RevokeContext removes the context. Only its source component or a trusted
// component may revoke it.
func (m *Manager) RevokeContext(contextID, component string) error {
	if m.cfg.Disabled {
		return disabledError()
	}

	m.mu.Lock()
	sc, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return notFoundError(contextID)
	}
	if component != sc.SourceComponent && !m.isTrusted(component) {
		level := sc.AccessControl.SecurityLevel
		m.mu.Unlock()
		ae := auth.Errorf(auth.ErrAccessDenied, "component %s may not revoke context %s", component, contextID).
			WithContext("component", component)
		ae.Code = "unauthorized_revocation"
		m.violation(contextID, component, level, ae)
		return ae
	}
	m.removeLocked(contextID)
	active := len(m.contexts)
	m.mu.Unlock()

	m.expired(sc, component, ReasonManualRevocation)
	if m.binder != nil && sc.AuthContext.SessionID != "" {
		m.binder.DetachSecurityContext(sc.AuthContext.SessionID, contextID)
	}
	m.metrics.SetActiveContexts(active)
	logging.Info("SecurityContext", "Context %s revoked by %s", contextID, component)
	return nil
}

// RevokeSessionContexts removes every context derived from sessionID. It is
// called when the coordinator revokes or cleans up the session and returns
// the number of contexts removed.
func (m *Manager) RevokeSessionContexts(sessionID string) int {
	if sessionID == "" {
		return 0
	}

	m.mu.Lock()
	var removed []*SecurityContext
	for id, sc := range m.contexts {
		if sc.AuthContext.SessionID == sessionID {
			removed = append(removed, sc)
			m.removeLocked(id)
		}
	}
	active := len(m.contexts)
	m.mu.Unlock()

	for _, sc := range removed {
		m.expired(sc, "", ReasonSessionRevoked)
	}
	if len(removed) > 0 {
		m.metrics.SetActiveContexts(active)
	}
	return len(removed)
}

// Cleanup removes contexts past their expiration or MaxContextAge and
// returns how many were removed.
func (m *Manager) Cleanup() int {
	now := m.clock.Now()

	m.mu.Lock()
	var removed []*SecurityContext
	for id, sc := range m.contexts {
		if m.staleReason(sc, now) != "" {
			removed = append(removed, sc)
			m.removeLocked(id)
		}
	}
	active := len(m.contexts)
	m.mu.Unlock()

	for _, sc := range removed {
		m.expired(sc, "", ReasonAutomaticCleanup)
		if m.binder != nil && sc.AuthContext.SessionID != "" {
			m.binder.DetachSecurityContext(sc.AuthContext.SessionID, sc.ID)
		}
	}
	if len(removed) > 0 {
		m.metrics.SetActiveContexts(active)
		logging.Debug("SecurityContext", "Cleanup removed %d contexts", len(removed))
	}
	return len(removed)
}

// TrimAudit applies the audit retention limits and returns the number of
// entries dropped.
func (m *Manager) TrimAudit() int {
	n := m.audit.trim(m.clock.Now())
	m.metrics.SetAuditEntries(m.audit.len())
	if n > 0 {
		logging.Debug("SecurityContext", "Trimmed %d audit entries", n)
	}
	return n
}

// AuditTrail returns copies of the entries matching f, oldest first.
func (m *Manager) AuditTrail(f AuditFilter) []AuditEntry {
	return m.audit.query(f)
}

// ContextsForComponent lists the ids of live contexts that component owns
// or has received.
func (m *Manager) ContextsForComponent(component string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.components[component]))
	for id := range m.components[component] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats reports the current table and audit sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.contexts)
	m.mu.RUnlock()

	m.schedMu.Lock()
	running := m.scheduler != nil
	m.schedMu.Unlock()

	st := Stats{
		Enabled:        !m.cfg.Disabled,
		Running:        running,
		ActiveContexts: active,
		AuditEntries:   m.audit.len(),
	}
	for _, r := range m.rules {
		st.Rules = append(st.Rules, r.Name)
	}
	return st
}

// staleReason returns why sc can no longer be used at now, or "".
func (m *Manager) staleReason(sc *SecurityContext, now time.Time) string {
	if !now.Before(sc.AccessControl.Expiration) {
		return "expired"
	}
	if now.Sub(sc.Timestamp) > m.cfg.MaxContextAge {
		return "max age exceeded"
	}
	return ""
}

// checkAccess applies the component, trust and permission gates in that
// order. It must be called with mu held.
func (m *Manager) checkAccess(sc *SecurityContext, component string, required []string) *auth.AuthError {
	ac := sc.AccessControl
	if len(ac.AllowedComponents) > 0 && !contains(ac.AllowedComponents, component) {
		return auth.Errorf(auth.ErrAccessDenied, "component %s is not allowed to receive context %s", component, sc.ID).
			WithContext("component", component)
	}
	if ac.SecurityLevel == LevelSecret && !m.isTrusted(component) {
		return auth.Errorf(auth.ErrInsufficientTrust, "component %s is not trusted for secret context %s", component, sc.ID).
			WithContext("component", component)
	}
	if missing := missingPermissions(sc.AuthContext, required); len(missing) > 0 {
		return auth.Errorf(auth.ErrInsufficientPermissions, "context %s lacks permissions: %s", sc.ID, strings.Join(missing, ", ")).
			WithContext("component", component)
	}
	return nil
}

func (m *Manager) isTrusted(component string) bool {
	_, ok := m.trusted[component]
	return ok
}

func (m *Manager) indexLocked(component, contextID string) {
	ids, ok := m.components[component]
	if !ok {
		ids = make(map[string]struct{})
		m.components[component] = ids
	}
	ids[contextID] = struct{}{}
}

func (m *Manager) removeLocked(contextID string) {
	delete(m.contexts, contextID)
	for component, ids := range m.components {
		delete(ids, contextID)
		if len(ids) == 0 {
			delete(m.components, component)
		}
	}
}

func (m *Manager) expired(sc *SecurityContext, component, reason string) {
	m.record(EventContextExpired, sc.ID, component, sc.AccessControl.SecurityLevel, map[string]string{
		"reason": reason,
		"source": sc.SourceComponent,
	})
	m.metrics.RecordContextExpired(reason)
}

func (m *Manager) violation(contextID, component string, level SecurityLevel, ae *auth.AuthError) {
	kind := strings.ToLower(string(ae.Type))
	if ae.Code != "" {
		kind = ae.Code
	}
	m.record(EventSecurityViolation, contextID, component, level, map[string]string{
		"type":    string(ae.Type),
		"message": ae.Message,
	})
	m.metrics.RecordSecurityViolation(kind)
	logging.Warn("SecurityContext", "Security violation by %s on context %s: %s", component, contextID, ae.Message)
}

func (m *Manager) record(t AuditEventType, contextID, component string, level SecurityLevel, details map[string]string) {
	entry := m.audit.append(m.clock.Now, AuditEntry{
		EventType:     t,
		ContextID:     contextID,
		Component:     component,
		SecurityLevel: level,
		Details:       details,
	})
	m.metrics.SetAuditEntries(m.audit.len())

	outcome := "success"
	if t == EventSecurityViolation {
		outcome = "denied"
	}
	logging.Audit(logging.AuditEvent{
		Action:  string(t),
		Outcome: outcome,
		Target:  component,
		Details: fmt.Sprintf("context=%s entry=%s", contextID, entry.ID),
	})
}

func missingPermissions(ac auth.AuthContext, required []string) []string {
	var missing []string
	for _, p := range required {
		if !ac.HasPermission(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func notFoundError(contextID string) *auth.AuthError {
	return auth.Errorf(auth.ErrContextNotFound, "context %s not found", contextID)
}

func disabledError() *auth.AuthError {
	return auth.NewError(auth.ErrContextDisabled, "security contexts are disabled")
}
