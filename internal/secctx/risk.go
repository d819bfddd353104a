package secctx

import (
	"fmt"
	"net"

	"authcoord/internal/auth"
)

// Risk weights added per signal. The sum is capped at 1.
const (
	riskAPIKey          = 0.2
	riskUnknownNetwork  = 0.3
	riskUntrustedDevice = 0.2
	riskHighPrivilege   = 0.1
)

// DefaultKnownNetworks are the private and loopback ranges treated as known
// when no networks are configured.
var DefaultKnownNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
}

// DefaultHighPrivilegePermissions raise the risk score when held.
var DefaultHighPrivilegePermissions = []string{"admin", "superuser", "root"}

// IPPredicate reports whether a source address is known.
type IPPredicate func(ip string) bool

// DevicePredicate reports whether the device behind a request is trusted.
type DevicePredicate func(deviceID, userAgent string) bool

// NetworkPredicate returns an IPPredicate matching addresses inside any of
// the given CIDR ranges. An empty or unparsable address never matches.
func NetworkPredicate(cidrs []string) (IPPredicate, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid known network %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return func(ip string) bool {
		addr := net.ParseIP(ip)
		if addr == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(addr) {
				return true
			}
		}
		return false
	}, nil
}

func untrustedDevice(string, string) bool { return false }

// scorer computes the risk of a new context.
type scorer struct {
	knownIP       IPPredicate
	trustedDevice DevicePredicate
	highPrivilege map[string]struct{}
}

func (s scorer) score(ac auth.AuthContext, opts CreateOptions) (risk float64, trusted bool) {
	if ac.Credentials != nil && ac.Credentials.Type() == auth.CredentialTypeAPIKey {
		risk += riskAPIKey
	}
	if !s.knownIP(opts.SourceIP) {
		risk += riskUnknownNetwork
	}
	trusted = s.trustedDevice(opts.DeviceID, opts.UserAgent)
	if !trusted {
		risk += riskUntrustedDevice
	}
	for _, p := range ac.Permissions {
		if _, ok := s.highPrivilege[p]; ok {
			risk += riskHighPrivilege
			break
		}
	}
	if risk > 1 {
		risk = 1
	}
	return risk, trusted
}
