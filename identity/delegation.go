package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrProofExpired is returned when a delegation proof is past its expiry.
	ErrProofExpired = errors.New("identity: delegation proof expired")
	// ErrProofInvalid is returned when a delegation proof fails verification.
	ErrProofInvalid = errors.New("identity: delegation proof invalid")
)

// DelegationClaims are the claims carried by a delegation proof: the
// issuer delegates acting authority to the subject until expiry.
type DelegationClaims struct {
	jwt.RegisteredClaims
}

// IssueDelegationProof creates a signed delegation proof: issuer grants
// delegate the authority to act on its behalf until expiresAt. The proof
// is an EdDSA-signed JWT so it can be verified offline against the
// issuer's registered public key.
func IssueDelegationProof(issuer, delegate string, key ed25519.PrivateKey, expiresAt time.Time) (string, error) {
	claims := DelegationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   delegate,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("identity: sign delegation proof: %w", err)
	}
	return signed, nil
}

// VerifyDelegationProof checks that proof is a valid, unexpired EdDSA
// assertion in which issuer delegates to delegate. The issuer's public
// key is resolved through the registry.
func VerifyDelegationProof(ctx context.Context, reg Registry, proof, issuer, delegate string) error {
	key, err := reg.ResolveKey(ctx, issuer)
	if err != nil {
		return fmt.Errorf("identity: resolve issuer key: %w", err)
	}

	claims := new(DelegationClaims)
	token, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrProofExpired
		}
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	if !token.Valid {
		return ErrProofInvalid
	}

	if claims.Issuer != issuer {
		return fmt.Errorf("%w: issuer mismatch", ErrProofInvalid)
	}
	if claims.Subject != delegate {
		return fmt.Errorf("%w: delegate mismatch", ErrProofInvalid)
	}
	return nil
}
