// Package authz authenticates bearer tokens and decides which scopes an
// endpoint requires.
package authz

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/session"
)

// Scopes understood by the HTTP surface.
const (
	ScopeRunExecute    = "run:execute"
	ScopeDataRead      = "data:read"
	ScopeSystemMonitor = "system:monitor"
)

var knownScopes = []string{ScopeRunExecute, ScopeDataRead, ScopeSystemMonitor}

// Principal is an authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
	// Token is the raw bearer token; the session binding hashes it.
	Token string `json:"-"`
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Tokens maps bearer tokens to principals.
type Tokens map[string]Principal

// ParseTokens reads a token table of the form
// "token=scope+scope,subject@token=scope". Without a subject the principal
// is named after a digest of its token.
func ParseTokens(spec string) (Tokens, error) {
	out := make(Tokens)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lhs, rhs, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("auth token entry %q: missing '='", entry)
		}
		subject, token, named := strings.Cut(lhs, "@")
		if !named {
			token = subject
			subject = "token-" + session.BindingToken(token)[:8]
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("auth token entry %q: empty token", entry)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("auth token entry %q: duplicate token", entry)
		}

		var scopes []string
		for _, s := range strings.Split(rhs, "+") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !slices.Contains(knownScopes, s) {
				return nil, fmt.Errorf("auth token entry %q: unknown scope %q", entry, s)
			}
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
		sort.Strings(scopes)
		out[token] = Principal{Subject: strings.TrimSpace(subject), Scopes: scopes, Token: token}
	}
	return out, nil
}

// Authenticate resolves an Authorization header value.
func (t Tokens) Authenticate(header string) (Principal, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Principal{}, &core.SecurityError{Code: "unauthenticated", Message: "bearer token required"}
	}
	p, ok := t[strings.TrimSpace(token)]
	if !ok {
		return Principal{}, &core.SecurityError{Code: "unauthenticated", Message: "unknown bearer token"}
	}
	return p, nil
}
