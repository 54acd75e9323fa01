package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

// Identity is what the identity provider vouches for: a stable user id
// plus the optional profile mirrored into the users table.
type Identity struct {
	UserID  string
	Name    string
	Picture string
}

// TokenService wraps JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// Issue creates a JWT for the identity using the default TTL.
func (t *TokenService) Issue(id Identity) (string, error) {
	return t.IssueWithTTL(id, t.expiresIn)
}

// IssueWithTTL creates a JWT for the identity with an explicit TTL.
func (t *TokenService) IssueWithTTL(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Picture != "" {
		claims["picture"] = id.Picture
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// Verify validates a token and extracts the identity. Failures wrap
// domain.ErrUnauthorized.
func (t *TokenService) Verify(tokenStr string) (Identity, error) {
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	name, _ := claims["name"].(string)
	picture, _ := claims["picture"].(string)
	return Identity{UserID: sub, Name: name, Picture: picture}, nil
}
