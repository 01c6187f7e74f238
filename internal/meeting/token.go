// Package meeting mints room tokens for an event's video meeting. The token
// layout follows the LiveKit access token format.
package meeting

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"blueshot/api/internal/rbac"
)

var (
	ErrNotConfigured = errors.New("meeting tokens not configured")
	ErrNoAccess      = errors.New("no access to meeting")
)

// VideoGrant scopes a token to one room.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type Claims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

type Minter struct {
	key    string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewMinter(key, secret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Minter{key: key, secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *Minter) Configured() bool {
	return m != nil && m.key != "" && len(m.secret) > 0
}

// Token is what the client needs to join.
type Token struct {
	Token      string    `json:"token"`
	Room       string    `json:"room"`
	CanPublish bool      `json:"canPublish"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Mint issues a token for identity on the event's room. Readers may watch,
// READ_WRITE and above may publish.
func (m *Minter) Mint(eventID string, identity rbac.Identity, role rbac.Role) (Token, error) {
	if !m.Configured() {
		return Token{}, ErrNotConfigured
	}
	if !role.AtLeast(rbac.RoleRead) {
		return Token{}, ErrNoAccess
	}

	now := m.now().UTC()
	expires := now.Add(m.ttl)
	canPublish := role.AtLeast(rbac.RoleReadWrite)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.key,
			Subject:   identity.ID,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name: identity.DisplayName,
		Video: VideoGrant{
			Room:         eventID,
			RoomJoin:     true,
			CanPublish:   canPublish,
			CanSubscribe: true,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign meeting token: %w", err)
	}
	return Token{Token: signed, Room: eventID, CanPublish: canPublish, ExpiresAt: expires}, nil
}
