package agentcrypt

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"math/big"
)

// ErrInvalidKeyXML signals an RSAKeyValue blob that cannot be used.
var ErrInvalidKeyXML = errors.New("agentcrypt: invalid RSAKeyValue XML")

// MinRSABits is the smallest modulus accepted from an agent.
const MinRSABits = 1024

type rsaKeyValue struct {
	XMLName  xml.Name `xml:"RSAKeyValue"`
	Modulus  string   `xml:"Modulus"`
	Exponent string   `xml:"Exponent"`
}

// ParseRSAXML parses the <RSAKeyValue> public-key export produced by
// RSACryptoServiceProvider. Both fields must be present and the modulus
// must be at least MinRSABits.
func ParseRSAXML(s string) (*rsa.PublicKey, error) {
	var kv rsaKeyValue
	if err := xml.Unmarshal([]byte(s), &kv); err != nil {
		return nil, ErrInvalidKeyXML
	}
	if kv.Modulus == "" || kv.Exponent == "" {
		return nil, ErrInvalidKeyXML
	}
	mod, err := base64.StdEncoding.DecodeString(kv.Modulus)
	if err != nil {
		return nil, ErrInvalidKeyXML
	}
	exp, err := base64.StdEncoding.DecodeString(kv.Exponent)
	if err != nil {
		return nil, ErrInvalidKeyXML
	}
	n := new(big.Int).SetBytes(mod)
	if n.BitLen() < MinRSABits {
		return nil, ErrInvalidKeyXML
	}
	e := new(big.Int).SetBytes(exp)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, ErrInvalidKeyXML
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// RSAEncrypt seals data with PKCS#1 v1.5, the scheme the PowerShell agent
// decrypts with.
func RSAEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
}
