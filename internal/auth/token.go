package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the session token claims.
type Claims struct {
	Wallet string `json:"wallet"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints ES256 session tokens under a configured key id.
type Issuer struct {
	key      *ecdsa.PrivateKey
	kid      string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates an issuer. A nil key yields ErrMissingSigningKey.
func NewIssuer(key *ecdsa.PrivateKey, kid string) (*Issuer, error) {
	if key == nil || kid == "" {
		return nil, ErrMissingSigningKey
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("auth: ES256 requires a P-256 key")
	}
	return &Issuer{key: key, kid: kid, lifetime: TokenLifetime, now: time.Now}, nil
}

// WithClock sets the time source (for tests).
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() *ecdsa.PublicKey { return &i.key.PublicKey }

// Issue mints a token for wallet and returns it with its lifetime in seconds.
func (i *Issuer) Issue(wallet string) (token string, expiresIn int64, err error) {
	now := i.now()
	claims := Claims{
		Wallet: wallet,
		Role:   TokenRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = i.kid
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", 0, fmt.Errorf("sign session token: %w", err)
	}
	return signed, int64(i.lifetime / time.Second), nil
}

// Verifier checks session tokens issued by an Issuer.
type Verifier struct {
	key *ecdsa.PublicKey
	now func() time.Time
}

// NewVerifier creates a verifier for tokens signed by key.
func NewVerifier(key *ecdsa.PublicKey) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// WithClock sets the time source (for tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify parses token and returns the wallet it was issued to.
func (v *Verifier) Verify(token string) (solana.PublicKey, *Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(ClockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != TokenRole || claims.Subject != claims.Wallet {
		return solana.PublicKey{}, nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	pk, err := solana.PublicKeyFromBase58(claims.Wallet)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("%w: wallet claim: %v", ErrInvalidToken, err)
	}
	return pk, claims, nil
}

// LoadSigningKey reads the signing key from a JWK (preferred) or a PEM
// block. Both empty yields ErrMissingSigningKey.
func LoadSigningKey(jwk, pemData string) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(jwk) != "":
		return ParseJWK([]byte(jwk))
	case strings.TrimSpace(pemData) != "":
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemData))
		if err != nil {
			return nil, fmt.Errorf("auth: parse PEM signing key: %w", err)
		}
		return key, nil
	}
	return nil, ErrMissingSigningKey
}

// ParseJWK decodes a private EC P-256 JSON Web Key.
func ParseJWK(raw []byte) (*ecdsa.PrivateKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("auth: parse JWK: %w", err)
	}
	key, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("auth: JWK must be a private EC P-256 key, got %T", jwk.Key)
	}

	// x and y are only checked to be on the curve; they must also be d's point.
	priv, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("auth: JWK private scalar: %w", err)
	}
	pub, err := key.PublicKey.ECDH()
	if err != nil || !priv.PublicKey().Equal(pub) {
		return nil, errors.New("auth: JWK public point does not match private scalar")
	}
	return key, nil
}
