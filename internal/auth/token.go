package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"

	DefaultTokenExpiry = time.Hour * 24
)

var ErrInvalidToken = errors.New("invalid token")

// JWT issues and verifies HS256 session tokens carrying a user id claim.
type JWT struct {
	key []byte
	exp time.Duration
}

func NewJWT(key []byte, exp time.Duration) *JWT {
	if exp <= 0 {
		exp = DefaultTokenExpiry
	}
	return &JWT{key: key, exp: exp}
}

func (j *JWT) Expiry() time.Duration {
	return j.exp
}

func (j *JWT) Issue(userId int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(j.exp).Unix(),
	})

	return token.SignedString(j.key)
}

func (j *JWT) Verify(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.key, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid user id claim", ErrInvalidToken)
	}

	return int64(userId), nil
}
