package agentcrypt

import (
	"crypto/rand"
	"math/big"
)

const (
	digitCharset = "0123456789"
	keyCharset   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idCharset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func randomFrom(charset string, n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		out[i] = charset[v.Int64()]
	}
	return string(out)
}

// RandomNonce returns n cryptographically random decimal digits.
func RandomNonce(n int) string {
	return randomFrom(digitCharset, n)
}

// RandomKeyString returns n random alphanumeric bytes, usable directly as an
// AES key and safe to embed in the staging reply string.
func RandomKeyString(n int) []byte {
	return []byte(randomFrom(keyCharset, n))
}

// RandomSessionID returns an 8-character uppercase alphanumeric session
// identifier in the form agents mint for themselves.
func RandomSessionID() string {
	return randomFrom(idCharset, 8)
}
