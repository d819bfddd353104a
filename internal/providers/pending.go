package providers

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"authcoord/pkg/logging"
	pkgoauth "authcoord/pkg/oauth"
)

// DefaultFlowExpiry is how long an issued authorization URL stays redeemable.
const DefaultFlowExpiry = 10 * time.Minute

// pendingFlow is the server-side half of an authorization-code flow.
type pendingFlow struct {
	SessionID    string
	CodeVerifier string
	Scopes       []string
	CreatedAt    time.Time
}

// flowStore keeps pending flows keyed by their state parameter. A state can
// be consumed exactly once.
type flowStore struct {
	mu     sync.Mutex
	flows  map[string]*pendingFlow
	expiry time.Duration
	clock  clock.PassiveClock
}

func newFlowStore(clk clock.PassiveClock, expiry time.Duration) *flowStore {
	if expiry <= 0 {
		expiry = DefaultFlowExpiry
	}
	return &flowStore{
		flows:  make(map[string]*pendingFlow),
		expiry: expiry,
		clock:  clk,
	}
}

// begin records a new flow and returns its state.
func (s *flowStore) begin(sessionID string, pkce *pkgoauth.PKCEChallenge, scopes []string) (string, error) {
	state, err := pkgoauth.GenerateState()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	s.flows[state] = &pendingFlow{
		SessionID:    sessionID,
		CodeVerifier: pkce.CodeVerifier,
		Scopes:       scopes,
		CreatedAt:    now,
	}
	return state, nil
}

// consume removes and returns the flow for state. It returns nil when the
// state is unknown, already used or expired.
func (s *flowStore) consume(state string) *pendingFlow {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return nil
	}
	delete(s.flows, state)

	if age := s.clock.Since(flow.CreatedAt); age > s.expiry {
		logging.Warn("OAuth2", "Authorization state expired after %s", age)
		return nil
	}
	return flow
}

func (s *flowStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

func (s *flowStore) pruneLocked(now time.Time) {
	for state, flow := range s.flows {
		if now.Sub(flow.CreatedAt) > s.expiry {
			delete(s.flows, state)
		}
	}
}
