package agentcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
)

// 6144-bit MODP group (RFC 3526 group 17), generator 2. Fixed so both ends
// agree without negotiation; the python agents length-check the decimal form
// of a public value, and this group's publics fall inside that window.
const modp6144Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
	"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
	"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33" +
	"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
	"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864" +
	"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2" +
	"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D7" +
	"88719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8" +
	"DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2" +
	"233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA9" +
	"93B4EA988D8FDDC186FFB7DC90A6C08F4DF435C93402849236C3FAB4D27C7026" +
	"C1D4DCB2602646DEC9751E763DBA37BDF8FF9406AD9E530EE5DB382F413001AE" +
	"B06A53ED9027D831179727B0865A8918DA3EDBEBCF9B14ED44CE6CBACED4BB1B" +
	"DB7F1447E6CC254B332051512BD7AF426FB8F401378CD2BF5983CA01C64B92EC" +
	"F032EA15D1721D03F482D7CE6E74FEF6D55E702F46980C82B5A84031900B1C9E" +
	"59E7C97FBEC7E8F323A97A7E36CC88BE0F1D45B7FF585AC54BD407B22B4154AA" +
	"CC8F6D7EBF48E1D814CC5ED20F8037E0A79715EEF29BE32806A1D58BB7C5DA76" +
	"F550AA3D8A1FBFF0EB19CCB1A313D55CDA56C9EC2EF29632387FE8D76E3C0468" +
	"043E8F663F4860EE12BF2D5B0B7474D6E694F91E6DCC4024FFFFFFFFFFFFFFFF"

var (
	dhPrime, _ = new(big.Int).SetString(modp6144Hex, 16)
	dhGen      = big.NewInt(2)

	// ErrBadDHPublic signals a peer public value outside (1, p-1).
	ErrBadDHPublic = errors.New("agentcrypt: bad DH public value")
)

// DHKeypair is an ephemeral Diffie-Hellman keypair in the fixed group.
type DHKeypair struct {
	Priv *big.Int
	Pub  *big.Int
}

// NewDHKeypair generates an ephemeral keypair with a 256-bit exponent.
func NewDHKeypair() (*DHKeypair, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 256)
	priv, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	// Exponents below 2 leak the shared secret.
	priv.Add(priv, big.NewInt(2))
	pub := new(big.Int).Exp(dhGen, priv, dhPrime)
	return &DHKeypair{Priv: priv, Pub: pub}, nil
}

// DeriveDHKey computes the shared secret against peerPub and hashes its
// big-endian bytes into a 32-byte AES key.
func DeriveDHKey(priv *big.Int, peerPub *big.Int) ([]byte, error) {
	if err := CheckDHPublic(peerPub); err != nil {
		return nil, err
	}
	shared := new(big.Int).Exp(peerPub, priv, dhPrime)
	sum := sha256.Sum256(shared.Bytes())
	return sum[:], nil
}

// CheckDHPublic rejects degenerate peer values (0, 1, p-1 and anything
// outside the group).
func CheckDHPublic(pub *big.Int) error {
	if pub == nil || pub.Sign() <= 0 {
		return ErrBadDHPublic
	}
	pm1 := new(big.Int).Sub(dhPrime, big.NewInt(1))
	if pub.Cmp(big.NewInt(1)) <= 0 || pub.Cmp(pm1) >= 0 {
		return ErrBadDHPublic
	}
	return nil
}
