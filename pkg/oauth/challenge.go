package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseBearerChallenge parses a WWW-Authenticate header value.
//
// Example headers:
//
//	Bearer realm="https://auth.example.com"
//	Bearer error="invalid_token", error_description="The token has expired"
func ParseBearerChallenge(header string) (*BearerChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &BearerChallenge{Scheme: parts[0]}
	if len(parts) == 1 {
		return challenge, nil
	}

	for _, match := range authParamRegex.FindAllStringSubmatch(parts[1], -1) {
		value := match[2]
		switch strings.ToLower(match[1]) {
		case "realm":
			challenge.Realm = value
		case "scope":
			challenge.Scope = value
		case "error":
			challenge.Error = value
		case "error_description":
			challenge.ErrorDescription = value
		}
	}

	return challenge, nil
}

// BearerChallengeFromResponse extracts the challenge from a 401 response.
// Returns nil if the response is not a 401 or carries no parseable header.
func BearerChallengeFromResponse(resp *http.Response) *BearerChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	challenge, err := ParseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil
	}
	return challenge
}
