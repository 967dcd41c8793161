package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
)

var (
	ErrInvalidInvitation = apperr.Forbidden("invalid invitation token")
	ErrInvitationExpired = apperr.FailedPrecondition("invitation has expired")
)

type InvitationClaims struct {
	RoomID string `json:"room"`
	jwt.RegisteredClaims
}

func (c *InvitationClaims) InvitationID() string { return c.ID }

func (c *InvitationClaims) InviteeID() string { return c.Subject }

// InvitationSigner issues and checks HS256 invitation tokens.
type InvitationSigner struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewInvitationSigner(secret []byte, ttl time.Duration, clock clockwork.Clock) *InvitationSigner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InvitationSigner{secret: secret, ttl: ttl, clock: clock}
}

func (s *InvitationSigner) Sign(invitationID, roomID, inviteeID string) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	claims := InvitationClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        invitationID,
			Subject:   inviteeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "auth.Sign")
	}
	return token, expiresAt, nil
}

// Verify checks the signature and expiry. Expiry is judged against the
// signer's clock, so the parser's own time checks are off.
func (s *InvitationSigner) Verify(tokenString string) (*InvitationClaims, error) {
	claims := &InvitationClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePermissionDenied, "invalid invitation token", err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.RoomID == "" {
		return nil, ErrInvalidInvitation
	}
	if !claims.VerifyExpiresAt(s.clock.Now(), true) {
		return claims, ErrInvitationExpired
	}
	return claims, nil
}
