package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrTokenInvalid and ErrTokenExpired are the sentinel errors the HTTP
// middleware maps to 401 responses.
var (
	ErrTokenInvalid  = errors.New("supervisor: token invalid")
	ErrTokenExpired  = errors.New("supervisor: token expired")
	ErrBadPassphrase = errors.New("supervisor: incorrect passphrase")
)

const operatorTokenDuration = 12 * time.Hour

// operatorClaims is the JWT payload for the single operator session.
type operatorClaims struct {
	jwt.RegisteredClaims
}

// OperatorAuth issues and validates bearer tokens for the one operator
// passphrase configured at startup. Tokens are HMAC-signed (HS256); this
// process is the only verifier, so there is no key pair to distribute.
type OperatorAuth struct {
	passphraseHash []byte
	signingKey     []byte
	issuer         string
}

// NewOperatorAuth hashes plaintextPassphrase with bcrypt and prepares a JWT
// signer using signingKey.
func NewOperatorAuth(plaintextPassphrase string, signingKey []byte, issuer string) (*OperatorAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintextPassphrase), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("supervisor: hash operator passphrase: %w", err)
	}
	return &OperatorAuth{passphraseHash: hash, signingKey: signingKey, issuer: issuer}, nil
}

// Login verifies candidate against the stored hash and, on success, issues
// a signed bearer token.
func (a *OperatorAuth) Login(candidate string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.passphraseHash, []byte(candidate)); err != nil {
		return "", ErrBadPassphrase
	}

	now := time.Now()
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(operatorTokenDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("supervisor: sign operator token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a bearer token string.
func (a *OperatorAuth) Validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("supervisor: unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}
