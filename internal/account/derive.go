package account

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "murmur/identity/signing/v1"
	hkdfInfoDH      = "murmur/identity/dh/v1"
)

// DerivedKeys is the identity material reproducible from a recovery phrase.
type DerivedKeys struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
	DHPrivateKey      []byte
	DHPublicKey       []byte
}

// DeriveKeys expands a bip39 seed into the signing and key-agreement pairs.
// Deterministic: the same phrase always rebuilds the same identity.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	dhPriv, err := hkdfExpand(seedBytes, hkdfInfoDH, 32)
	if err != nil {
		return nil, err
	}
	dhPub, err := curve25519.X25519(dhPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPriv.Public().(ed25519.PublicKey),
		DHPrivateKey:      dhPriv,
		DHPublicKey:       dhPub,
	}, nil
}

// BuildAccountID derives the public account identifier from the signing key.
func BuildAccountID(signingPub ed25519.PublicKey) string {
	h := sha256.Sum256(signingPub)
	return "mur1" + base58.Encode(h[:20])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
