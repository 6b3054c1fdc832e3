package identity

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
)

// Claims carried by the signed bearer issued by the auth layer.
type Claims struct {
	jwt.RegisteredClaims

	DisplayName string `json:"name,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// JWTVerifier verifies HS256 bearers signed by the external auth layer.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, bearer string) (domain.Actor, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return domain.Actor{}, errors.New(errors.CodeUnauthorized,
			errors.WithMessagef("missing bearer token"))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(bearer, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Actor{}, errors.New(errors.CodeUnauthorized,
			errors.WithMessagef("verify bearer token"),
			errors.WithCause(err))
	}

	if claims.Subject == "" {
		return domain.Actor{}, errors.New(errors.CodeUnauthorized,
			errors.WithMessagef("bearer token has no subject"))
	}

	tier := claims.Tier
	if tier == "" {
		tier = domain.TierFree
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}

	return domain.Actor{
		ID:          claims.Subject,
		DisplayName: name,
		Tier:        tier,
	}, nil
}
