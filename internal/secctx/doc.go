// Package secctx propagates authenticated identity between internal
// components.
//
// A source component wraps a session's AuthContext with
// CreateSecurityContext. Other components obtain it through
// PropagateContext or GetSecurityContext, which enforce the context's
// allowed components, its security level and the permissions the receiver
// asks for. Every state change and every denial is appended to an in-memory
// audit trail that is trimmed by age and size.
//
// Each context carries a risk score between 0 and 1 built from the
// credential type, the source network, device trust and held privileges.
package secctx
