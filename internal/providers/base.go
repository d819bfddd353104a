package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
)

// DefaultHTTPTimeout bounds every provider request when the caller's context
// carries no deadline.
const DefaultHTTPTimeout = 30 * time.Second

// base holds what every provider shares.
type base struct {
	name       string
	httpClient *http.Client
	clock      clock.Clock
}

// Option configures a provider.
type Option func(*base)

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithClock sets the time source used for expiry computations.
func WithClock(c clock.Clock) Option {
	return func(b *base) {
		if c != nil {
			b.clock = c
		}
	}
}

func newBase(name string, opts []Option) base {
	b := base{
		name:       name,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Name() string { return b.name }

// oauth2Context makes x/oauth2 use the provider's HTTP client.
func (b *base) oauth2Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

// tokenResponse is the standard token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// errorResponse is the RFC 6749 section 5.2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// backendError is a non-2xx reply from a provider endpoint.
type backendError struct {
	Status int
	Code   string
	Desc   string
}

func (e *backendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// postForm sends a form-encoded POST and decodes a JSON reply into out.
func (b *base) postForm(ctx context.Context, endpoint string, form url.Values, basicUser, basicPass string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicUser != "" {
		req.SetBasicAuth(url.QueryEscape(basicUser), url.QueryEscape(basicPass))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", redactURL(endpoint), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &backendError{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			be.Code = er.Error
			be.Desc = er.ErrorDescription
		}
		return be
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// invalidGrantCodes are backend error codes that mean the grant itself is
// dead and the user has to authenticate again.
var invalidGrantCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_token":       true,
	"unauthorized_client": true,
}

// classify converts a provider call failure into an AuthError of kind t.
// Transport failures become retryable NETWORK_ERRORs; a dead grant sets
// RequiresReauth.
func classify(err error, t auth.ErrorType, message string) *auth.AuthError {
	if auth.IsNetworkFailure(err) || isTransportError(err) {
		ae := auth.Wrap(err, auth.ErrNetwork, message)
		ae.Retryable = true
		return ae
	}

	ae := auth.Wrap(err, t, message)

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae.Code = re.ErrorCode
		if re.ErrorCode == "" && re.Response != nil {
			ae.Code = fmt.Sprintf("http_%d", re.Response.StatusCode)
		}
		ae.RequiresReauth = invalidGrantCodes[re.ErrorCode]
		ae.Retryable = re.Response != nil && re.Response.StatusCode >= 500
		return ae
	}

	var be *backendError
	if errors.As(err, &be) {
		ae.Code = be.Code
		if ae.Code == "" {
			ae.Code = fmt.Sprintf("http_%d", be.Status)
		}
		ae.RequiresReauth = invalidGrantCodes[be.Code]
		ae.Retryable = be.Status >= 500
	}
	return ae
}

func isTransportError(err error) bool {
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// redactURL strips query and userinfo before a URL reaches a log line or error.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// checkEndpoint enforces HTTPS when required. Loopback hosts are always
// allowed so local development and tests can use plain HTTP.
func checkEndpoint(field, raw string, requireHTTPS bool) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid URL %q", field, raw)
	}
	if !requireHTTPS || u.Scheme == "https" {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%s must use HTTPS (got: %s)", field, redactURL(raw))
}

func configError(provider, format string, args ...interface{}) *auth.AuthError {
	return auth.Errorf(auth.ErrConfiguration, "provider %q: "+format, append([]interface{}{provider}, args...)...)
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}
