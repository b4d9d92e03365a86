package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

// adminCredential checks bearer tokens presented to the control endpoints.
// It holds either the token itself or a PBKDF2 digest produced by
// HashAdminToken, so deployments can keep the plaintext out of their
// environment.
type adminCredential struct {
	plain  []byte
	digest *tokenDigest
}

type tokenDigest struct {
	iterations int
	salt       []byte
	key        []byte
}

func newAdminCredential(token, hash string) (adminCredential, error) {
	token, hash = strings.TrimSpace(token), strings.TrimSpace(hash)
	switch {
	case token != "" && hash != "":
		return adminCredential{}, errors.New("admin token and admin token hash are mutually exclusive")
	case hash != "":
		digest, err := parseTokenDigest(hash)
		if err != nil {
			return adminCredential{}, err
		}
		return adminCredential{digest: digest}, nil
	case token != "":
		return adminCredential{plain: []byte(token)}, nil
	}
	return adminCredential{}, nil
}

func (c adminCredential) enabled() bool {
	return c.plain != nil || c.digest != nil
}

func (c adminCredential) verify(candidate string) bool {
	if c.digest != nil {
		derived := pbkdf2.Key([]byte(candidate), c.digest.salt, c.digest.iterations, len(c.digest.key), sha256.New)
		return subtle.ConstantTimeCompare(derived, c.digest.key) == 1
	}
	return subtle.ConstantTimeCompare([]byte(candidate), c.plain) == 1
}

// HashAdminToken encodes token as "pbkdf2$sha256$<iterations>$<salt>$<key>"
// for use as the admin token hash.
func HashAdminToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token is required")
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(key)), nil
}

func parseTokenDigest(encoded string) (*tokenDigest, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return nil, errors.New("admin token hash: expected pbkdf2$sha256$<iterations>$<salt>$<key>")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("admin token hash: invalid iteration count %q", parts[2])
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("admin token hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return nil, errors.New("admin token hash: invalid key")
	}
	return &tokenDigest{iterations: iterations, salt: salt, key: key}, nil
}
