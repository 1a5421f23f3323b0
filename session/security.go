package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/NickB03/vana-sub003/core"
)

// maxWarnings bounds the warnings kept on a binding.
const maxWarnings = 16

// Credentials identify the caller of a session operation.
type Credentials struct {
	Token     string // raw bearer token, never stored
	ClientIP  string
	UserAgent string
}

// BindingToken returns the stored form of a bearer token.
func BindingToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newCSRFToken returns 32 random bytes, hex encoded.
func newCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return core.NewID()
	}
	return hex.EncodeToString(b)
}

func bind(sec *core.SecurityBinding, creds Credentials) {
	sec.BindingToken = BindingToken(creds.Token)
	sec.ClientIP = creds.ClientIP
	sec.UserAgent = creds.UserAgent
	if sec.CSRFToken == "" {
		sec.CSRFToken = newCSRFToken()
	}
}

// verify checks creds against the binding and records the outcome on sec.
// A token or IP mismatch counts as a failed attempt and flags the binding
// once maxFailed attempts are reached. A changed user agent only records a
// warning.
func verify(sec *core.SecurityBinding, creds Credentials, maxFailed int) error {
	if sec.BindingToken == "" {
		bind(sec, creds)
		return nil
	}
	tokenOK := subtle.ConstantTimeCompare([]byte(sec.BindingToken), []byte(BindingToken(creds.Token))) == 1
	if !tokenOK || sec.ClientIP != creds.ClientIP {
		sec.FailedAccessAttempts++
		if maxFailed > 0 && sec.FailedAccessAttempts >= maxFailed {
			sec.IsFlagged = true
			return &core.SecurityError{Code: "session_flagged", Message: "session locked after repeated mismatched access"}
		}
		return &core.SecurityError{Code: "binding_mismatch", Message: "credentials do not match session binding"}
	}
	if creds.UserAgent != "" && sec.UserAgent != "" && creds.UserAgent != sec.UserAgent {
		addWarning(sec, fmt.Sprintf("user agent changed from %q to %q", sec.UserAgent, creds.UserAgent))
		sec.UserAgent = creds.UserAgent
	}
	return nil
}

func addWarning(sec *core.SecurityBinding, w string) {
	sec.Warnings = append(sec.Warnings, w)
	if n := len(sec.Warnings); n > maxWarnings {
		sec.Warnings = sec.Warnings[n-maxWarnings:]
	}
}

// CheckCSRF compares a presented CSRF token with the bound one.
func CheckCSRF(sess *core.Session, token string) error {
	if token == "" || subtle.ConstantTimeCompare([]byte(sess.Security.CSRFToken), []byte(token)) != 1 {
		return &core.SecurityError{Code: "csrf_mismatch", Message: "missing or invalid CSRF token"}
	}
	return nil
}
