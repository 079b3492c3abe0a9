package hub

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// streamClaims are the claims expected in a signal stream token. Token
// issuance belongs to the session service; the hub only validates.
type streamClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// validateToken parses and validates an HMAC-signed stream token
func validateToken(tokenString, secret string) error {
	if tokenString == "" {
		return fmt.Errorf("token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &streamClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}
