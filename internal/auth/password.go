package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters for new hashes.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

var errMalformedHash = errors.New("auth: malformed password hash")

// phc is a decoded $argon2id$v=19$m=...,t=...,p=...$salt$hash string.
type phc struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key),
	)
}

// HashPassword returns an Argon2id hash of password in PHC format.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return phc{
		memory:  argonMemory,
		time:    argonTime,
		threads: argonThreads,
		salt:    salt,
		key:     argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
	}.String(), nil
}

// VerifyPassword reports whether password matches encoded. Argon2id PHC
// strings and bcrypt hashes ($2a$, $2b$, $2y$) are both accepted, so
// accounts imported from the previous backend keep working. A mismatch is
// (false, nil); only an unreadable hash is an error.
func VerifyPassword(password, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("verifying bcrypt hash: %w", err)
		}
		return true, nil
	}

	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key))) //nolint:gosec // key length fits
	return subtle.ConstantTimeCompare(p.key, candidate) == 1, nil
}

func isBcrypt(hash string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(hash, prefix) {
			return true
		}
	}
	return false
}

func parsePHC(encoded string) (phc, error) {
	var p phc
	rest, ok := strings.CutPrefix(encoded, "$argon2id$")
	if !ok {
		return p, fmt.Errorf("%w: unsupported algorithm", errMalformedHash)
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 { //nolint:mnd // version, params, salt, key
		return p, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil || version != argon2.Version {
		return p, fmt.Errorf("%w: version %q", errMalformedHash, fields[0])
	}
	if _, err := fmt.Sscanf(fields[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, fmt.Errorf("%w: parameters: %w", errMalformedHash, err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(fields[2]); err != nil {
		return p, fmt.Errorf("%w: salt: %w", errMalformedHash, err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(fields[3]); err != nil {
		return p, fmt.Errorf("%w: key: %w", errMalformedHash, err)
	}
	return p, nil
}
