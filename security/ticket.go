package security

import (
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	// TicketAudience is the aud claim of every authorization ticket.
	TicketAudience = "uda"
	// DefaultTicketLifetime bounds how long a ticket is honoured.
	DefaultTicketLifetime = time.Hour
)

// TicketClaims is the body of the authorization ticket the server returns
// at step 7. It is signed with the server key, so a client that holds the
// server's public key can check the final message came from the server it
// authenticated.
type TicketClaims struct {
	DelegatedUser string `json:"delegated_user,omitempty"`
	jwt.RegisteredClaims
}

// IssueTicket signs an RS256 ticket for subject.
func IssueTicket(key *rsa.PrivateKey, issuer, subject, delegated string, now time.Time, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultTicketLifetime
	}
	claims := TicketClaims{
		DelegatedUser: delegated,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{TicketAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "signing ticket")
	}
	return signed, nil
}

// VerifyTicket checks the ticket signature against pub and its time and
// audience claims against now.
func VerifyTicket(ticket string, pub *rsa.PublicKey, now time.Time) (*TicketClaims, error) {
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(TicketAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, errors.Wrap(ErrServerAuthenticationFailed, "ticket: "+err.Error())
	}
	return claims, nil
}
