package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5" //nolint:gosec // checksums only, never used for secrecy
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/klauspost/compress/zlib"
)

const (
	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrAuthFailed is returned when the GCM tag does not verify.
	ErrAuthFailed = errors.New("cipher: message authentication failed")
	// ErrShortCiphertext is returned for input shorter than nonce plus tag.
	ErrShortCiphertext = errors.New("cipher: ciphertext too short")
)

// DeriveKey turns a shared secret into an AES-256 key.
func DeriveKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func newGCM(key [32]byte) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return stdcipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-256-GCM. The output is
// nonce(12) || ciphertext || tag(16) with a fresh random nonce.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	return gcm.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open reverses Seal.
func Open(key [32]byte, data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// Deflate compresses data into the zlib stream format (RFC 1950) that
// agents read and write.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate. Output is capped at limit bytes when limit > 0.
func Inflate(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cipher: inflate: %w", err)
	}
	defer r.Close()
	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("cipher: inflate: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("cipher: inflate: output exceeds %d bytes", limit)
	}
	return out, nil
}

// MD5Hex returns the lowercase hex MD5 of data. Used for transfer checksums
// and stored secrets.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GeneratePassword returns n random alphanumeric characters.
func GeneratePassword(n int) (string, error) {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("cipher: generate password: %w", err)
		}
		out[i] = passwordAlphabet[v.Int64()]
	}
	return string(out), nil
}
