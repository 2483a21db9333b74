package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"agentium/internal/config"
	"agentium/internal/types"
)

// principalToken is the resolved identity behind a bearer token.
type principalToken struct {
	Subject string
	Role    string
	Expiry  time.Time
}

// tokenIssuer signs and verifies bearer tokens. Tokens are
// base64url(subject|role|expiryUnix) + "." + hex(HMAC-SHA256).
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(cfg *config.Config) (*tokenIssuer, error) {
	if cfg.Auth.TokenSecret == "" {
		return nil, fmt.Errorf("auth token secret is not configured")
	}
	return &tokenIssuer{
		secret: []byte(cfg.Auth.TokenSecret),
		ttl:    cfg.TokenTTL(),
		now:    time.Now,
	}, nil
}

func (ti *tokenIssuer) sign(claims string) string {
	mac := hmac.New(sha256.New, ti.secret)
	mac.Write([]byte(claims))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue mints a token for a verified principal.
func (ti *tokenIssuer) Issue(subject, role string) string {
	expiry := ti.now().Add(ti.ttl).Unix()
	claims := base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s|%s|%d", subject, role, expiry)))
	return claims + "." + ti.sign(claims)
}

// Verify checks the signature and expiry and returns the claims.
func (ti *tokenIssuer) Verify(token string) (*principalToken, error) {
	claims, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed token: %w", types.ErrPermissionDenied)
	}
	if !hmac.Equal([]byte(ti.sign(claims)), []byte(sig)) {
		return nil, fmt.Errorf("bad token signature: %w", types.ErrPermissionDenied)
	}
	raw, err := base64.RawURLEncoding.DecodeString(claims)
	if err != nil {
		return nil, fmt.Errorf("bad token claims: %w", types.ErrPermissionDenied)
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad token claims: %w", types.ErrPermissionDenied)
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad token expiry: %w", types.ErrPermissionDenied)
	}
	tok := &principalToken{Subject: parts[0], Role: parts[1], Expiry: time.Unix(expiry, 0)}
	if ti.now().After(tok.Expiry) {
		return nil, fmt.Errorf("token expired: %w", types.ErrPermissionDenied)
	}
	return tok, nil
}

// verifyLogin checks a username/password pair against the configured
// principals.
func verifyLogin(principals []config.Principal, username, password string) (*config.Principal, error) {
	for i := range principals {
		p := &principals[i]
		if p.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
			return nil, fmt.Errorf("bad credentials for %s: %w", username, types.ErrPermissionDenied)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown principal %s: %w", username, types.ErrPermissionDenied)
}
