package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims identifies an API caller. ActorType mirrors the audit log actor
// types: subject, trustee or admin.
type Claims struct {
	Sub       string `json:"sub"`
	ActorType string `json:"act"`
	JTI       string `json:"jti"`
	Exp       int64  `json:"exp"`
}

// QuickClaims is the narrower grant embedded in quick-decision email links:
// one actor, one entity, one action. Trustees get approve/retract links for a
// declaration, admins get accept/reject (hard review) and uphold/dismiss
// (contest) links.
type QuickClaims struct {
	ActorID  string `json:"aid"`
	EntityID string `json:"eid"`
	Action   string `json:"action"`
	Exp      int64  `json:"exp"`
}

var quickActions = map[string]bool{
	"approve": true,
	"retract": true,
	"accept":  true,
	"reject":  true,
	"uphold":  true,
	"dismiss": true,
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	return issue(secret, claims)
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	if err := parse(secret, token, &claims); err != nil {
		return Claims{}, err
	}
	if claims.Sub == "" || claims.ActorType == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// IssueQuickToken signs a quick-decision link token.
func IssueQuickToken(secret []byte, claims QuickClaims) (string, error) {
	return issue(secret, claims)
}

func ParseQuickToken(secret []byte, token string) (QuickClaims, error) {
	var claims QuickClaims
	if err := parse(secret, token, &claims); err != nil {
		return QuickClaims{}, err
	}
	if claims.ActorID == "" || claims.EntityID == "" || claims.Exp == 0 {
		return QuickClaims{}, ErrInvalidToken
	}
	if !quickActions[claims.Action] {
		return QuickClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return QuickClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func issue(secret []byte, claims any) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func parse(secret []byte, token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(decoded, out); err != nil {
		return ErrInvalidToken
	}
	return nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
