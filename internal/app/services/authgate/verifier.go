package authgate

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
)

// TokenVerifier validates the signature header as an HS256 JWT signed with
// the device's provisioned secret. The token subject must match the device
// UUID so a credential cannot be replayed for another device.
type TokenVerifier struct {
	leeway time.Duration
}

var _ Verifier = (*TokenVerifier)(nil)

// NewTokenVerifier creates the default verifier.
func NewTokenVerifier() *TokenVerifier {
	return &TokenVerifier{leeway: 30 * time.Second}
}

// Verify implements Verifier.
func (v *TokenVerifier) Verify(signatureHeader string, rec device.AuthRecord) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(signatureHeader, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(rec.Secret), nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("token invalid")
	}
	if claims.Subject != rec.DeviceUUID {
		return fmt.Errorf("token subject %q does not match device", claims.Subject)
	}
	return nil
}

// SignFor issues a signature token for a device secret. Used by the pairing
// flow to hand devices a ready-made credential and by tests.
func SignFor(rec device.AuthRecord, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  rec.DeviceUUID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(rec.Secret))
}
