// Package agentcrypt implements the symmetric and asymmetric primitives used
// by the agent protocol: AES-CBC with an appended HMAC-SHA256 tag, RSA key
// material in the .NET XML export format, and the 6144-bit MODP
// Diffie-Hellman group used by the python agent variant.
package agentcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// ErrMACMismatch is returned for every authentication or framing failure in
// Open. The single error keeps the decrypt path free of padding oracles.
var ErrMACMismatch = errors.New("agentcrypt: mac mismatch")

// ErrKeySize signals a key that is not a valid AES key length.
var ErrKeySize = errors.New("agentcrypt: invalid key size")

const (
	ivLen  = aes.BlockSize
	macLen = sha256.Size
)

// Seal encrypts plaintext with AES-CBC under a random IV and appends
// HMAC-SHA256(key, iv||ct). Layout: iv[16] || ct || mac[32].
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, ivLen+len(padded)+macLen)
	iv := out[:ivLen]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivLen:ivLen+len(padded)], padded)

	mac := hmac.New(sha256.New, key)
	mac.Write(out[:ivLen+len(padded)])
	copy(out[ivLen+len(padded):], mac.Sum(nil))
	return out, nil
}

// Open verifies the HMAC tag in constant time, then decrypts and unpads.
// Any failure is reported as ErrMACMismatch.
func Open(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKeySize
	}
	if len(blob) < ivLen+aes.BlockSize+macLen {
		return nil, ErrMACMismatch
	}
	body := blob[:len(blob)-macLen]
	tag := blob[len(blob)-macLen:]
	if (len(body)-ivLen)%aes.BlockSize != 0 {
		return nil, ErrMACMismatch
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrMACMismatch
	}

	iv := body[:ivLen]
	ct := body[ivLen:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMACMismatch
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrMACMismatch
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrMACMismatch
		}
	}
	return b[:len(b)-n], nil
}
