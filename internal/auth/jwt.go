package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// JWTVerifier resolves session-token (JWT) credentials into Principals with
// CallerType "user". It verifies the signature with an HMAC secret and
// derives ScopeID from a tenant claim, falling back to the personal scope.
type JWTVerifier struct {
	secret []byte
	aud    string
}

// NewJWTVerifier builds a verifier. secret must be non-empty for
// ValidateAndResolve to succeed; aud, when non-empty, is checked against the
// token's "aud" claim.
func NewJWTVerifier(secret, aud string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(strings.TrimSpace(secret)), aud: strings.TrimSpace(aud)}
}

// claims mirrors the session-token shape issued by the upstream identity
// provider: subject, optional team id, and standard registered claims.
type claims struct {
	Sub    string `json:"sub"`
	TeamID string `json:"team_id"`
	Aud    string `json:"aud"`
}

// ValidateAndResolve verifies tokenString and returns the resolved Principal.
func (v *JWTVerifier) ValidateAndResolve(_ context.Context, tokenString string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: jwt secret not configured", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if v.aud != "" {
		if aud, ok := mapClaims["aud"].(string); ok && !strings.EqualFold(aud, v.aud) {
			return nil, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
		}
	}

	c := parseClaims(mapClaims)
	if c.Sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	scopeID := c.TeamID
	if scopeID == "" {
		scopeID = PersonalScope(c.Sub)
	}

	return &Principal{
		CallerType: CallerTypeUser,
		CallerID:   c.Sub,
		ScopeID:    scopeID,
	}, nil
}

func parseClaims(m jwt.MapClaims) claims {
	var c claims
	if sub, ok := m["sub"].(string); ok {
		c.Sub = sub
	}
	if team, ok := m["team_id"].(string); ok {
		c.TeamID = team
	}
	if aud, ok := m["aud"].(string); ok {
		c.Aud = aud
	}
	return c
}
