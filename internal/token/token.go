// Package token implements the Token Service: verification of third-party
// OIDC credentials against the issuer's JWKS, and minting/verification of
// the gateway's own no-expiry, salt-revocable HS256 identity tokens.
package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aipipe/gateway/internal/cache"
)

var (
	// ErrInvalid is returned when a token's signature does not verify.
	ErrInvalid = errors.New("token: invalid signature")
	// ErrRevoked is returned when a token's salt no longer matches the
	// server's current salt for that email.
	ErrRevoked = errors.New("token: revoked")
	// ErrCredentialUnverifiable is returned when a third-party credential's
	// signature cannot be checked (JWKS fetch failure, unknown kid, bad
	// alg) or its email is not verified.
	ErrCredentialUnverifiable = errors.New("token: credential unverifiable")
)

// Claims is the gateway's own internal identity token payload.
type Claims struct {
	Email string `json:"email"`
	Salt  string `json:"salt,omitempty"`
	jwt.RegisteredClaims
}

// SaltLookup resolves the current revocation salt configured for an email.
// The second return value is false when no salt is configured at all, in
// which case verification skips the salt check entirely.
type SaltLookup func(email string) (salt string, ok bool)

// Service mints and verifies identity tokens, and verifies external OIDC
// credentials against a cached JWKS fetched from the issuer.
type Service struct {
	secret     []byte
	jwksURL    string
	jwksCache  *cache.TTLMap[string, *rsa.PublicKey]
	httpClient *http.Client
}

// New builds a Service signing with secret and fetching issuer keys from
// jwksURL on demand. secret must be non-empty.
func New(secret string, jwksURL string) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token: secret is required")
	}
	return &Service{
		secret:     []byte(secret),
		jwksURL:    jwksURL,
		jwksCache:  cache.NewTTLMap[string, *rsa.PublicKey](30 * time.Minute),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Mint signs a new internal identity token for email, attaching the current
// salt (if one is configured for that email).
func (s *Service) Mint(email string, salt SaltLookup) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("token: email is required")
	}
	claims := Claims{Email: email}
	if v, ok := salt(email); ok {
		claims.Salt = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verify checks an internal identity token's signature and, if a salt is
// configured for the token's email, that the token carries the current
// salt value.
func (s *Service) Verify(raw string, salt SaltLookup) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalid
	}
	if current, ok := salt(claims.Email); ok {
		if claims.Salt == "" || claims.Salt != current {
			return Claims{}, ErrRevoked
		}
	}
	return claims, nil
}

// oidcCredential is the subset of fields this service needs from a
// third-party OIDC JWT presented to Mint-from-credential.
type oidcCredential struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// VerifyExternalCredential validates a third-party OIDC JWT against the
// issuer's published JWKS and returns the verified email. The credential
// must carry email_verified=true.
func (s *Service) VerifyExternalCredential(ctx context.Context, credential string) (string, error) {
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(credential, &oidcCredential{})
	if err != nil {
		return "", ErrCredentialUnverifiable
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := s.resolveJWKSKey(ctx, kid)
	if err != nil {
		return "", ErrCredentialUnverifiable
	}

	var claims oidcCredential
	tok, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !tok.Valid {
		return "", ErrCredentialUnverifiable
	}
	if !claims.EmailVerified || strings.TrimSpace(claims.Email) == "" {
		return "", ErrCredentialUnverifiable
	}
	return strings.ToLower(strings.TrimSpace(claims.Email)), nil
}

type jwksDoc struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (s *Service) resolveJWKSKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.jwksCache.Get(kid); ok {
		return key, nil
	}
	if strings.TrimSpace(s.jwksURL) == "" {
		return nil, fmt.Errorf("token: no jwks url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token: jwks fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	var found *rsa.PublicKey
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		s.jwksCache.Set(k.Kid, pub)
		if k.Kid == kid || (kid == "" && found == nil) {
			found = pub
		}
	}
	if found == nil {
		return nil, fmt.Errorf("token: kid %q not found in jwks", kid)
	}
	return found, nil
}

func rsaPublicKeyFromJWK(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nRaw)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eRaw)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// IsNativeKey reports whether a bearer credential is an upstream-native
// provider key (as opposed to a gateway-minted identity token), and which
// provider it belongs to, per the prefix rules in the data model.
func IsNativeKey(raw string) (provider string, ok bool) {
	switch {
	case strings.HasPrefix(raw, "sk-or-"):
		return "openrouter", true
	case strings.HasPrefix(raw, "sk-"):
		return "openai", true
	case strings.HasPrefix(raw, "AIza"):
		return "gemini", true
	default:
		return "", false
	}
}

// BearerToken extracts the token from an Authorization: Bearer <t> header.
func BearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
