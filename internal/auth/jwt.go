package auth

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // "user" or "guest"
	jwt.RegisteredClaims
}

// Token lifetimes by role. Guests are short-lived; a returning guest
// just mints a new identity.
const (
	UserTokenTTL  = 7 * 24 * time.Hour
	GuestTokenTTL = 24 * time.Hour
)

// JWTSecret signs all tokens. Loaded from JWT_SECRET; the fallback is
// for development only.
var JWTSecret = secretFromEnv()

func secretFromEnv() []byte {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	return []byte("troly-development-secret")
}

// GenerateUserToken generates a JWT token for an authenticated user
func GenerateUserToken(userID string) (string, error) {
	return generate(userID, "user", UserTokenTTL)
}

// GenerateGuestToken generates a JWT token for an anonymous browser
// session. The identity only has to outlive the conversation.
func GenerateGuestToken(userID string) (string, error) {
	return generate(userID, "guest", GuestTokenTTL)
}

func generate(userID, role string, ttl time.Duration) (string, error) {
	claims := &JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(JWTSecret)
}

// ValidateToken validates a JWT token and returns the claims
func ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return JWTSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
