// ABOUTME: JWT verification for reverse agent identities and admin API callers
// ABOUTME: Uses HS256 signing with the configured secret; scope separates the two uses

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/offload-gateway/internal/protocol"
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrWrongScope    = errors.New("token scope not allowed")
	ErrSubjectDiffer = errors.New("token subject does not match identity")
)

// Scopes carried in the "scope" claim.
const (
	ScopeAgent = "agent"
	ScopeAdmin = "admin"
)

// Claims are the verified parts of a token.
type Claims struct {
	Subject  string
	Scope    string
	Instance string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts its claims. The "sub" claim is
// required; "scope" defaults to agent.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := Claims{Subject: sub, Scope: ScopeAgent}
	if scope, ok := mc["scope"].(string); ok && scope != "" {
		claims.Scope = scope
	}
	if iid, ok := mc["iid"].(string); ok {
		claims.Instance = iid
	}
	return claims, nil
}

// VerifyIdentity checks the token an agent presented when dialing in. The
// subject must name the agent; a token bound to an instance must match it.
func (v *JWTVerifier) VerifyIdentity(id *protocol.Identity) error {
	if id.Token == "" {
		return fmt.Errorf("%w: no token presented", ErrInvalidToken)
	}
	claims, err := v.Verify(id.Token)
	if err != nil {
		return err
	}
	if claims.Scope != ScopeAgent {
		return fmt.Errorf("%w: %s", ErrWrongScope, claims.Scope)
	}
	if claims.Subject != id.Name {
		return fmt.Errorf("%w: %q vs %q", ErrSubjectDiffer, claims.Subject, id.Name)
	}
	if claims.Instance != "" && claims.Instance != id.InstanceID {
		return fmt.Errorf("%w: instance %q", ErrSubjectDiffer, id.InstanceID)
	}
	return nil
}

// Generate creates a new JWT for subject with the given scope and
// expiration. instance, when set, binds an agent token to one instance ID.
func (v *JWTVerifier) Generate(subject, scope, instance string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}
	if instance != "" {
		claims["iid"] = instance
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
