// Package apikey issues and verifies operator keys of the form
// mk_<env>_<prefix>.<secret>. Only the SHA-256 of prefix and secret is
// stored, in configuration rather than a table.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const keyScheme = "mk"

// ScopeOperator is granted to keys that may drive payouts and sweeps.
const ScopeOperator = "settlement:operator"

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrInvalidHash      = errors.New("invalid api key hash")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
)

type Record struct {
	ID          string
	UserID      string
	KeyHash     string
	Scopes      []string
	IPWhitelist []string
	RevokedAt   *time.Time
}

// OperatorRecord builds the record for a configured operator key and checks
// the hash and allowlist up front so a typo fails at startup.
func OperatorRecord(id, keyHash string, allowlist []string) (Record, error) {
	keyHash = strings.ToLower(strings.TrimSpace(keyHash))
	if raw, err := hex.DecodeString(keyHash); err != nil || len(raw) != sha256.Size {
		return Record{}, ErrInvalidHash
	}
	if err := ValidateIPWhitelist(allowlist); err != nil {
		return Record{}, err
	}
	return Record{
		ID:          id,
		UserID:      id,
		KeyHash:     keyHash,
		Scopes:      []string{ScopeOperator},
		IPWhitelist: allowlist,
	}, nil
}

func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	prefix, err = generatePrefix()
	if err != nil {
		return "", "", "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", "", "", err
	}
	fullKey = fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret)
	hash = Hash(prefix, secret)
	return fullKey, prefix, hash, nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	head, secret, ok := strings.Cut(key, ".")
	if !ok {
		return "", "", "", ErrInvalidKey
	}
	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != keyScheme {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

// HashKey returns the stored hash for a full key, as produced by Generate.
func HashKey(key string) (string, error) {
	_, prefix, secret, err := Parse(strings.TrimSpace(key))
	if err != nil {
		return "", err
	}
	return Hash(prefix, secret), nil
}

func Verify(key string, record Record, clientIP string) error {
	hash, err := HashKey(key)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(record.KeyHash))) != 1 {
		return ErrInvalidKey
	}
	if record.RevokedAt != nil {
		return ErrRevokedKey
	}
	if !IPAllowed(clientIP, record.IPWhitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

// HasScope reports whether record grants scope.
func (r Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

// IPAllowed reports whether clientIP matches an entry. An empty list admits
// every address.
func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func generatePrefix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
