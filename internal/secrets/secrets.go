// Package secrets generates and digests the engine's random material: link
// tokens, numeric one-time codes, TOTP seeds, and backup-code batches. Raw
// values are handed to the caller once; only sha256 digests are persisted.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	linkTokenRawSize  = 32
	totpSecretRawSize = 20
)

// NewLinkToken returns a 32-byte random token, base64url without padding.
func NewLinkToken() (string, error) {
	var raw [linkTokenRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewTOTPSecret returns a 160-bit shared secret in base32 without padding,
// the alphabet authenticator apps expect.
func NewTOTPSecret() (string, error) {
	var raw [totpSecretRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:]), nil
}

// NewOTP returns a numeric one-time code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// backupAlphabet omits ambiguous glyphs (0/O, 1/I/L) so codes survive being
// read aloud or transcribed from paper.
const backupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewBackupCode returns one recovery code formatted XXXX-XXXX.
func NewBackupCode() (string, error) {
	var b strings.Builder
	b.Grow(9)

	max := big.NewInt(int64(len(backupAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewBackupCodes returns a batch of distinct recovery codes.
func NewBackupCodes(count int) ([]string, error) {
	if count < 1 || count > 32 {
		return nil, errors.New("invalid backup code count")
	}
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := NewBackupCode()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode strips separators and whitespace and upper-cases, so
// user input matches the generated form regardless of how it was typed.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}

// Digest returns the hex sha256 of a secret. The digest, never the raw
// value, is what the stores index on.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskEmail redacts a mailbox to its first rune plus domain: j***@example.com.
func MaskEmail(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

// MaskPhone redacts a phone number to its last four digits.
func MaskPhone(number string) string {
	digits := make([]byte, 0, len(number))
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) < 4 {
		return "***"
	}
	return "••••••" + string(digits[len(digits)-4:])
}
