// Package token mints and verifies the short-lived meeting tokens that
// authorize a recognition worker to publish segments for one meeting.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// Issuer is the controller's token issuer name.
	Issuer = "bot-manager"
	// Audience is the collector's audience name.
	Audience = "transcription-collector"
	// ScopeTranscribeWrite is the only scope a meeting token may carry.
	ScopeTranscribeWrite = "transcribe:write"
)

var (
	ErrInvalidToken = errors.New("invalid meeting token")
	ErrExpiredToken = errors.New("expired meeting token")
)

// Claims is the meeting token payload.
type Claims struct {
	MeetingID       int64  `json:"meeting_id"`
	AccountID       int64  `json:"account_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	Scope           string `json:"scope"`
	jwt.RegisteredClaims
}

// Minter signs and verifies meeting tokens with a shared HS256 secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter creates a Minter. An empty secret is allowed but every
// verification will fail; the caller is expected to warn at startup.
func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{secret: []byte(secret), ttl: ttl}
}

// Mint produces a signed meeting token for the given meeting.
func (m *Minter) Mint(meetingID, accountID int64, platform, nativeMeetingID string) (string, error) {
	now := time.Now()
	claims := Claims{
		MeetingID:       meetingID,
		AccountID:       accountID,
		Platform:        platform,
		NativeMeetingID: nativeMeetingID,
		Scope:           ScopeTranscribeWrite,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign meeting token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and the required claims and returns the parsed
// payload. Signature comparison inside the HMAC verifier is constant-time.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		if alg, _ := t.Header["alg"].(string); alg != "HS256" {
			return nil, fmt.Errorf("unexpected alg %q", alg)
		}
		if typ, ok := t.Header["typ"].(string); ok && typ != "JWT" {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		return m.secret, nil
	})
	if err != nil {
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Issuer != Issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if !containsAudience(claims.Audience, Audience) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}
	if claims.Scope != ScopeTranscribeWrite {
		return nil, fmt.Errorf("%w: unexpected scope %q", ErrInvalidToken, claims.Scope)
	}
	if claims.MeetingID == 0 {
		return nil, fmt.Errorf("%w: missing meeting_id", ErrInvalidToken)
	}

	return claims, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
