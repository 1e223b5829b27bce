// Package credential verifies the RS256 identity token attached to
// every proctoring request and extracts the session identity claims.
package credential

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"proctorguard/internal/model"
)

// Claims are the four identity fields every proctoring token carries,
// mirroring the tuple that determines a Session.
type Claims struct {
	UserID         string `json:"user_id"`
	ExamScheduleID string `json:"exam_schedule_id"`
	TenantID       string `json:"tenant_id"`
	AttemptNo      int    `json:"attempt_no"`
	jwt.RegisteredClaims
}

// Identity projects the claims onto the model.Identity tuple used for
// session lookup and matching.
func (c Claims) Identity() model.Identity {
	return model.Identity{
		TenantID:       c.TenantID,
		ExamScheduleID: c.ExamScheduleID,
		UserID:         c.UserID,
		AttemptNo:      c.AttemptNo,
	}
}

// Verifier validates RS256 identity tokens against a KeySource. It
// rejects any other signing algorithm to prevent algorithm-confusion
// attacks against the key material.
type Verifier struct {
	keys   KeySource
	issuer string
}

func NewVerifier(keys KeySource, issuer string) *Verifier {
	return &Verifier{keys: keys, issuer: issuer}
}

func (v *Verifier) Verify(ctx context.Context, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("invalid token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Claims{}, fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.UserID == "" || claims.ExamScheduleID == "" || claims.TenantID == "" {
		return Claims{}, fmt.Errorf("token missing required identity claims")
	}
	return claims, nil
}
