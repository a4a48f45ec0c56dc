// Package auth issues and verifies the short-lived signed tickets presented
// on WebSocket upgrades. A ticket is a tagged token: the kind discriminator
// is baked into the signed claims, and decoding refuses any kind other than
// the one the caller asked for, so an operator ticket can never open an
// agent socket.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind discriminates the signed token families sharing one codec.
type TokenKind string

const (
	// KindAgentTicket authenticates an agent socket; sub is the app id.
	KindAgentTicket TokenKind = "ws-ticket:Application"
	// KindOperatorTicket authenticates an operator socket; sub is the user id.
	KindOperatorTicket TokenKind = "ws-ticket:User"
)

// Default ticket lifetimes. Tickets are minted immediately before the
// upgrade call, so they stay short.
const (
	AgentTicketTTL    = 2 * time.Minute
	OperatorTicketTTL = 5 * time.Minute
)

// ErrInvalidTicket covers every verification failure: bad signature,
// expiry, malformed token, or a kind mismatch. Callers must not be able to
// distinguish why a ticket was refused.
var ErrInvalidTicket = errors.New("invalid ticket")

// ticketClaims carries the kind tag alongside the registered claim set.
type ticketClaims struct {
	TokenType string `json:"__token_type"`
	jwt.RegisteredClaims
}

// Tickets is the HMAC codec shared by every token kind.
type Tickets struct {
	secret []byte
}

// NewTickets creates a ticket codec signing with the given secret.
func NewTickets(secret []byte) (*Tickets, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("ticket secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Tickets{secret: secret}, nil
}

// Issue mints a ticket of the given kind for the subject.
func (t *Tickets) Issue(kind TokenKind, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("ticket subject is required")
	}
	now := time.Now().UTC()
	claims := ticketClaims{
		TokenType: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return signed, nil
}

// Decode verifies the token and returns its subject. The token must carry
// exactly the requested kind.
func (t *Tickets) Decode(kind TokenKind, token string) (string, error) {
	var claims ticketClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrInvalidTicket
	}
	if claims.TokenType != string(kind) {
		return "", ErrInvalidTicket
	}
	if claims.Subject == "" {
		return "", ErrInvalidTicket
	}
	return claims.Subject, nil
}
