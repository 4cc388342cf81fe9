package resetflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo describes a reset token without revealing it.
type TokenInfo struct {
	Length int `json:"length"`
	// Alphabet is the size of the character set the token appears to be
	// drawn from.
	Alphabet int `json:"alphabet"`
	// EntropyBits is the lower of the alphabet estimate and the Shannon
	// estimate of the observed characters.
	EntropyBits float64    `json:"entropy_bits"`
	JWT         *JWTClaims `json:"jwt,omitempty"`
}

// JWTClaims holds the registered claims of an unverified JWT.
type JWTClaims struct {
	Algorithm string    `json:"alg"`
	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
}

// Lifetime returns exp - iat, or zero when either is missing.
func (c *JWTClaims) Lifetime() time.Duration {
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Fingerprint returns the hex SHA-256 of token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// InspectToken measures token and decodes its claims when it is a JWT.
func InspectToken(token string) TokenInfo {
	info := TokenInfo{
		Length:   len(token),
		Alphabet: alphabetSize(token),
	}
	charsetBits := float64(info.Length) * math.Log2(float64(max(info.Alphabet, 1)))
	info.EntropyBits = math.Min(charsetBits, float64(info.Length)*shannon(token))
	if claims, err := ParseJWT(token); err == nil {
		info.JWT = claims
	}
	return info
}

// alphabetSize guesses the character set: hex when only hex digits are
// used, otherwise the union of the classes present.
func alphabetSize(s string) int {
	if s == "" {
		return 0
	}
	var lower, upper, digit, other bool
	hexOnly := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
			if r > 'f' {
				hexOnly = false
			}
		case r >= 'A' && r <= 'Z':
			upper = true
			if r > 'F' {
				hexOnly = false
			}
		case r >= '0' && r <= '9':
			digit = true
		default:
			other = true
			hexOnly = false
		}
	}
	if !lower && !upper && !other {
		return 10
	}
	if hexOnly && !(lower && upper) {
		return 16
	}
	n := 0
	if lower {
		n += 26
	}
	if upper {
		n += 26
	}
	if digit {
		n += 10
	}
	if other {
		// base64url and similar alphabets add two symbols
		n += 2
	}
	return n
}

// shannon returns the per-character Shannon entropy of s in bits.
func shannon(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	n := 0
	for _, r := range s {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// ParseJWT decodes the claims of a JWT without verifying its signature.
func ParseJWT(token string) (*JWTClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrNotJWT
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}

	claims := &JWTClaims{Algorithm: parsed.Method.Alg()}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if iat, err := parsed.Claims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
