package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated 表示请求没有可解析的身份主体。
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider 抽象外部身份提供商：校验请求携带的令牌并返回 subject 标识。
// 核心对 subject 完全信任，不签发、不管理求职者凭证。
type Provider interface {
	Verify(token string) (string, error)
}

// JWTProvider 使用身份提供商公开的 RS256 公钥离线校验令牌。
type JWTProvider struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewJWTProvider 解析 PEM 公钥并构造校验器。issuer 为空时不校验签发方。
func NewJWTProvider(publicKeyPEM []byte, issuer string) (*JWTProvider, error) {
	if len(publicKeyPEM) == 0 {
		return nil, errors.New("identity public key pem is required")
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse identity public key: %w", err)
	}
	return &JWTProvider{publicKey: publicKey, issuer: issuer}, nil
}

// Verify 校验令牌签名与签发方，返回 subject 标识。
func (p *JWTProvider) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrUnauthenticated
	}

	return claims.Subject, nil
}

// StaticProvider 将令牌原样作为 subject 返回，仅用于测试与本地联调。
type StaticProvider struct{}

// Verify 返回令牌本身；空令牌视为未认证。
func (StaticProvider) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}
	return tokenString, nil
}
