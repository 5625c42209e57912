package syncserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "fieldsync"

// DeviceClaims are the claims carried by a device bearer token.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 device tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token service. secret must not be empty.
func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}

	return &Tokens{secret: secret, now: time.Now}, nil
}

// Issue signs a token for deviceID. A zero ttl means the token never
// expires.
func (t *Tokens) Issue(deviceID string, ttl time.Duration) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id must not be empty")
	}

	now := t.now()
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// Validate parses a token and returns the device it was issued to.
func (t *Tokens) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return t.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return "", errors.New("invalid token")
	}

	return claims.DeviceID, nil
}
