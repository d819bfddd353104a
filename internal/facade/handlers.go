package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"authcoord/internal/auth"
	"authcoord/internal/coordinator"
	"authcoord/internal/secctx"
	"authcoord/pkg/logging"
)

// credentialView describes credentials without their secret material.
type credentialView struct {
	Type      auth.CredentialType `json:"type"`
	Provider  string              `json:"provider"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
	Scopes    []string            `json:"scopes,omitempty"`
}

func viewOf(c auth.Credentials) *credentialView {
	if c == nil {
		return nil
	}
	v := &credentialView{Type: c.Type(), Provider: c.Provider(), Scopes: c.Scopes()}
	if exp := c.Expiry(); !exp.IsZero() {
		v.ExpiresAt = &exp
	}
	return v
}

type authenticateResponse struct {
	Success          bool            `json:"success"`
	SessionID        string          `json:"sessionId,omitempty"`
	Credentials      *credentialView `json:"credentials,omitempty"`
	Permissions      []string        `json:"permissions,omitempty"`
	AuthorizationURL string          `json:"authorizationUrl,omitempty"`
	Error            *auth.AuthError `json:"error,omitempty"`
}

type refreshResponse struct {
	Success        bool            `json:"success"`
	Credentials    *credentialView `json:"credentials,omitempty"`
	RequiresReauth bool            `json:"requiresReauth,omitempty"`
	Error          *auth.AuthError `json:"error,omitempty"`
}

type revokeResponse struct {
	Revoked bool            `json:"revoked"`
	Error   *auth.AuthError `json:"error,omitempty"`
}

type statusResponse struct {
	coordinator.Status
	SecurityContexts *secctx.Stats `json:"securityContexts,omitempty"`
}

func (s *Server) handleAuthenticate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := request.RequireString("provider")
	if err != nil {
		return mcp.NewToolResultError("provider argument is required"), nil
	}

	res := s.coord.Authenticate(ctx, provider, auth.AuthenticateOptions{
		SessionID: request.GetString("session_id", ""),
		Code:      request.GetString("code", ""),
		State:     request.GetString("state", ""),
		APIKey:    request.GetString("api_key", ""),
		Scopes:    request.GetStringSlice("scopes", nil),
	})

	resp := authenticateResponse{
		Success:          res.Success,
		Credentials:      viewOf(res.Credentials),
		AuthorizationURL: res.AuthorizationURL,
		Error:            res.Error,
	}
	if res.Context != nil {
		resp.SessionID = res.Context.SessionID
		resp.Permissions = res.Context.Permissions
	}
	// A pending authorization is not an error for the caller.
	return jsonResult(resp, !res.Success && res.AuthorizationURL == "")
}

func (s *Server) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id argument is required"), nil
	}

	res := s.coord.RefreshCredentials(ctx, sessionID)
	return jsonResult(refreshResponse{
		Success:        res.Success,
		Credentials:    viewOf(res.Credentials),
		RequiresReauth: res.RequiresReauth,
		Error:          res.Error,
	}, !res.Success)
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id argument is required"), nil
	}

	// An invalid result is an answer, not a tool failure.
	return jsonResult(s.coord.ValidateCredentials(ctx, sessionID), false)
}

func (s *Server) handleRevoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id argument is required"), nil
	}

	if err := s.coord.RevokeCredentials(ctx, sessionID); err != nil {
		ae, ok := auth.AsAuthError(err)
		if !ok {
			ae = auth.Wrap(err, auth.ErrRevocationFailed, "revocation failed")
		}
		return jsonResult(revokeResponse{Error: ae}, true)
	}
	return jsonResult(revokeResponse{Revoked: true}, false)
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := statusResponse{Status: s.coord.Status()}
	if s.contexts != nil {
		st := s.contexts.Stats()
		resp.SecurityContexts = &st
	}
	return jsonResult(resp, false)
}

func (s *Server) handleCapabilities(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.Capabilities(), false)
}

func (s *Server) handleProviders(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.ListProviders(), false)
}

func (s *Server) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.MetricsSnapshot(), false)
}

func jsonResult(v interface{}, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logging.Error("Facade", err, "Failed to encode tool result")
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = isError
	return result, nil
}
