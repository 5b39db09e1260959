package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestProvider(t *testing.T, issuer string) (*JWTProvider, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	provider, err := NewJWTProvider(publicPEM, issuer)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, key
}

func TestJWTProvider_ReturnsSubject(t *testing.T) {
	provider, key := newTestProvider(t, "")

	token := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "auth0|abc123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	subject, err := provider.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "auth0|abc123" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestJWTProvider_EnforcesIssuer(t *testing.T) {
	provider, key := newTestProvider(t, "https://issuer.example.com/")

	good := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "subject-1",
		Issuer:    "https://issuer.example.com/",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := provider.Verify(good); err != nil {
		t.Fatalf("matching issuer rejected: %v", err)
	}

	bad := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "subject-1",
		Issuer:    "https://evil.example.com/",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := provider.Verify(bad); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestJWTProvider_RejectsExpiredAndEmpty(t *testing.T) {
	provider, key := newTestProvider(t, "")

	expired := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "subject-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	if _, err := provider.Verify(expired); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for expired token, got %v", err)
	}

	if _, err := provider.Verify(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}

	missingSubject := signToken(t, key, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := provider.Verify(missingSubject); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for missing subject, got %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	var provider StaticProvider

	subject, err := provider.Verify("subject-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "subject-1" {
		t.Fatalf("unexpected subject %q", subject)
	}

	if _, err := provider.Verify(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}
