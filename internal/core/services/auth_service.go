package services

import (
	"errors"
	"strings"
	"time"

	"livesignal/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type AuthService interface {
	GenerateToken(wallet domain.Identity) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// ValidateSession resolves a session token to the wallet it was issued for.
	ValidateSession(token string) (domain.Identity, error)
}

type Claims struct {
	Wallet domain.Identity `json:"wallet"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	issuer    string
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration, issuer string) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		issuer:    issuer,
	}
}

func (s *authService) GenerateToken(wallet domain.Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(wallet),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) ValidateSession(token string) (domain.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", domain.ErrInvalidSession
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		return "", errors.Join(domain.ErrInvalidSession, err)
	}

	wallet := claims.Wallet
	if wallet == "" {
		wallet = domain.Identity(claims.Subject)
	}
	if wallet == "" {
		return "", domain.ErrInvalidSession
	}
	return wallet, nil
}
