package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Values of the "typ" claim. Only access tokens are accepted here; refresh
// tokens are exchanged with the auth service.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims carries the user id in the registered "sub" claim.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	issuer string
}

func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Signer{secret: []byte(secret), issuer: issuer}, nil
}

type Subject struct {
	ID       string
	Username string
	Email    string
	Avatar   string
}

func (s *Signer) sign(sub Subject, typ string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := &Claims{
		Username: sub.Username,
		Email:    sub.Email,
		Avatar:   sub.Avatar,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// SignAccessToken mints a token the way the auth service does. This server
// only verifies tokens; minting is here for local tooling and tests.
func (s *Signer) SignAccessToken(sub Subject, ttl time.Duration) (string, time.Time, error) {
	return s.sign(sub, TokenAccess, ttl)
}

// Parse validates signature, algorithm and expiry.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
