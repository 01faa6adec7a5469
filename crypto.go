package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// AddressVersion is the leading byte of every encoded address.
const AddressVersion byte = 0x1c

const (
	addressHashLen     = 20
	addressChecksumLen = 4
)

// Address identifies the owner of outputs. It is the base58 encoding of
// version || sha3(pubkey)[:20] || checksum.
type Address string

// CoinbaseSender is the sentinel sender of minted outputs.
const CoinbaseSender Address = "COINBASE"

// ErrInvalidAddress is returned for addresses failing decoding or checksum.
var ErrInvalidAddress = errors.New("invalid address")

// KeyPair is a secp256k1 signing key and its derived address.
type KeyPair struct {
	priv    *btcec.PrivateKey
	PubKey  []byte
	Address Address
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return keyPairFromPriv(priv), nil
}

// KeyPairFromSeed derives a deterministic key pair from a 32 byte seed.
func KeyPairFromSeed(seed [32]byte) *KeyPair {
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return keyPairFromPriv(priv)
}

func keyPairFromPriv(priv *btcec.PrivateKey) *KeyPair {
	pub := priv.PubKey().SerializeCompressed()
	return &KeyPair{
		priv:    priv,
		PubKey:  pub,
		Address: AddressFromPubKey(pub),
	}
}

// Sign signs a 32 byte digest, returning a DER encoded signature.
func (k *KeyPair) Sign(digest [32]byte) []byte {
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// AddressFromPubKey derives the address for a serialized public key.
func AddressFromPubKey(pubKey []byte) Address {
	h := sha3.Sum256(pubKey)

	payload := make([]byte, 0, 1+addressHashLen+addressChecksumLen)
	payload = append(payload, AddressVersion)
	payload = append(payload, h[:addressHashLen]...)
	sum := sha3.Sum256(payload)
	payload = append(payload, sum[:addressChecksumLen]...)

	return Address(base58.Encode(payload))
}

// Validate checks the address version and checksum.
func (a Address) Validate() error {
	if a == CoinbaseSender {
		return nil
	}
	raw := base58.Decode(string(a))
	if len(raw) != 1+addressHashLen+addressChecksumLen {
		return fmt.Errorf("%w: bad length %d", ErrInvalidAddress, len(raw))
	}
	if raw[0] != AddressVersion {
		return fmt.Errorf("%w: bad version %#x", ErrInvalidAddress, raw[0])
	}
	body := raw[:1+addressHashLen]
	sum := sha3.Sum256(body)
	if !bytes.Equal(sum[:addressChecksumLen], raw[1+addressHashLen:]) {
		return fmt.Errorf("%w: bad checksum", ErrInvalidAddress)
	}
	return nil
}

// VerifySignature checks a DER signature over digest against pubKey.
func VerifySignature(pubKey, sig []byte, digest [32]byte) bool {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pk)
}
