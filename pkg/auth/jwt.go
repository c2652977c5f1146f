package auth

import (
	"errors"
	"time"

	"tabsy-split-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongScope   = errors.New("token scope mismatch")
)

const (
	ScopeGuest = "guest"
	ScopeStaff = "staff"
)

// Claims identifies one guest device within one table session, or a staff
// operator. Guest tokens are minted when a device creates or joins a session.
type Claims struct {
	GuestSessionID string `json:"guestSessionId"`
	TableSessionID string `json:"tableSessionId,omitempty"`
	Scope          string `json:"scope"`
	jwt.RegisteredClaims
}

func GenerateGuestToken(guestSessionID, tableSessionID string) (string, error) {
	return generateToken(guestSessionID, tableSessionID, ScopeGuest)
}

func GenerateStaffToken(staffID string) (string, error) {
	return generateToken(staffID, "", ScopeStaff)
}

func generateToken(subjectID, tableSessionID, scope string) (string, error) {
	duration := time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour
	claims := Claims{
		GuestSessionID: subjectID,
		TableSessionID: tableSessionID,
		Scope:          scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   scope,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.GlobalConfig.JWT.Secret))
}

func ParseGuestToken(tokenString string) (*Claims, error) {
	return parseToken(tokenString, ScopeGuest)
}

func ParseStaffToken(tokenString string) (*Claims, error) {
	return parseToken(tokenString, ScopeStaff)
}

func parseToken(tokenString, wantScope string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(config.GlobalConfig.JWT.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Scope != wantScope {
		return nil, ErrWrongScope
	}
	return claims, nil
}
