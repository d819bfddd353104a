package providers

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// fakeIdP is a minimal authorization server: token, revoke, userinfo and
// discovery endpoints backed by in-memory state.
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	codes          map[string]string // code -> expected PKCE challenge
	deadRefresh    map[string]bool
	issued         int
	revoked        []string
	permissions    []string
	assertionKey   *rsa.PublicKey
	assertions     []jwt.MapClaims
	userinfoStatus int
	tokenCalls     int
	expiresIn      int           // seconds; 0 means one hour
	tokenBlock     chan struct{} // when set, token requests wait for it to close
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{
		t:              t,
		codes:          make(map[string]string),
		deadRefresh:    make(map[string]bool),
		userinfoStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", f.handleMetadata)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/revoke", f.handleRevoke)
	mux.HandleFunc("/userinfo", f.handleUserinfo)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIdP) URL(path string) string { return f.server.URL + path }

// expectCode registers an authorization code bound to the challenge the
// client sent to the authorization endpoint.
func (f *fakeIdP) expectCode(code, challenge string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = challenge
}

func (f *fakeIdP) killRefreshToken(rt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadRefresh[rt] = true
}

func (f *fakeIdP) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                 f.server.URL,
		"authorization_endpoint": f.URL("/authorize"),
		"token_endpoint":         f.URL("/token"),
		"revocation_endpoint":    f.URL("/revoke"),
		"userinfo_endpoint":      f.URL("/userinfo"),
	})
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	block := f.tokenBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		challenge, ok := f.codes[r.PostForm.Get("code")]
		if !ok || oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		f.writeTokenLocked(w, true)

	case "refresh_token":
		if f.deadRefresh[r.PostForm.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "refresh token revoked",
			})
			return
		}
		f.writeTokenLocked(w, true)

	case jwtBearerGrantType:
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			return f.assertionKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(f.URL("/token")))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": err.Error()})
			return
		}
		f.assertions = append(f.assertions, claims)
		f.writeTokenLocked(w, false)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (f *fakeIdP) writeTokenLocked(w http.ResponseWriter, withRefresh bool) {
	f.issued++
	expiresIn := f.expiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	body := map[string]interface{}{
		"access_token": fmt.Sprintf("access-%d", f.issued),
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if withRefresh {
		body["refresh_token"] = fmt.Sprintf("refresh-%d", f.issued)
		idToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":         "user-1",
			"permissions": f.permissions,
		})
		signed, err := idToken.SignedString([]byte("test-signing-secret"))
		if err != nil {
			f.t.Errorf("sign id token: %v", err)
		}
		body["id_token"] = signed
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *fakeIdP) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, r.PostForm.Get("token"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *fakeIdP) handleUserinfo(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	status := f.userinfoStatus
	f.mu.Unlock()

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token revoked"`)
	}
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
