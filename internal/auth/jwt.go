package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// IdentityClaims is the ID token body expected by JWTVerifier.
type IdentityClaims struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256-signed ID tokens carrying profile claims.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier builds a verifier for tokens signed with secret. When issuer
// is non-empty the iss claim must match it.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (protocol.Profile, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, err)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrExpiredCredential, err)
		}
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrMalformedCredential, err)
	}
	if !token.Valid {
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrMalformedCredential, jwt.ErrSignatureInvalid)
	}

	return protocol.Profile{
		Name:       claims.Name,
		Email:      claims.Email,
		PictureURL: claims.Picture,
	}, nil
}
