// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bftcrypto provides the ECDSA-secp256k1 signing and verification
// primitives consensus relies on, plus a key manager for tracking the
// public keys of known validators. Adapted from the teacher's ringtail
// (post-quantum lattice) key package to the ECDSA primitive spec.md fixes.
package bftcrypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/MRumpold/radixdlt/internal/types"
)

// ErrInvalidSignature is returned when a signature fails to verify.
var ErrInvalidSignature = errors.New("bftcrypto: invalid signature")

// HashToSign returns the double-SHA-256 digest signed and verified
// throughout consensus and the constraint machine.
func HashToSign(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// KeyPair is a validator's secp256k1 signing key plus its derived BFTNode
// identity.
type KeyPair struct {
	private *secp256k1.PrivateKey
	Node    types.BFTNode
}

// GenerateKeyPair creates a new random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("bftcrypto: generate key: %w", err)
	}
	return newKeyPair(priv)
}

// KeyPairFromBytes reconstructs a keypair from a 32-byte private scalar.
func KeyPairFromBytes(secret []byte) (*KeyPair, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("bftcrypto: private key must be 32 bytes, got %d", len(secret))
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	return newKeyPair(priv)
}

func newKeyPair(priv *secp256k1.PrivateKey) (*KeyPair, error) {
	node, err := types.NewBFTNode(priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv, Node: node}, nil
}

// Sign signs the double-SHA-256 digest of msg, returning a DER-encoded
// ECDSA signature.
func (kp *KeyPair) Sign(msg []byte) []byte {
	digest := HashToSign(msg)
	sig := ecdsa.Sign(kp.private, digest[:])
	return sig.Serialize()
}

// PublicKeyBytes returns the compressed public key.
func (kp *KeyPair) PublicKeyBytes() []byte { return kp.Node.Bytes() }

// SignRecoverable signs the double-SHA-256 digest of msg with a compact,
// recoverable signature, used by the constraint machine's SIG instruction
// where the signer's account is not known ahead of verification (spec.md
// §4.5: "recover signer from the hash-to-sign").
func (kp *KeyPair) SignRecoverable(msg []byte) []byte {
	digest := HashToSign(msg)
	return ecdsa.SignCompact(kp.private, digest[:], true)
}

// RecoverSigner recovers the signer's BFTNode from a compact recoverable
// signature over the double-SHA-256 digest of msg.
func RecoverSigner(msg, signature []byte) (types.BFTNode, error) {
	digest := HashToSign(msg)
	pub, _, err := ecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return types.BFTNode{}, fmt.Errorf("bftcrypto: recover signer: %w", err)
	}
	return types.NewBFTNode(pub.SerializeCompressed())
}

// Verify checks a DER-encoded ECDSA signature over the double-SHA-256
// digest of msg against a compressed public key.
func Verify(node types.BFTNode, msg []byte, signature []byte) error {
	pub, err := secp256k1.ParsePubKey(node.Bytes())
	if err != nil {
		return fmt.Errorf("bftcrypto: parse public key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("bftcrypto: parse signature: %w", err)
	}
	digest := HashToSign(msg)
	if !sig.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

// KeyManager tracks the public keys of known validators, keyed by BFTNode.
// Mirrors the teacher's ringtail.KeyManager, generalised from a single
// node's own key store to a registry consulted for signature verification
// across a validator set.
type KeyManager struct {
	keys map[types.BFTNode][]byte
}

// NewKeyManager creates an empty key manager.
func NewKeyManager() *KeyManager {
	return &KeyManager{keys: make(map[types.BFTNode][]byte)}
}

// AddKey registers a validator's public key.
func (km *KeyManager) AddKey(node types.BFTNode, pubKey []byte) {
	km.keys[node] = pubKey
}

// Has reports whether a key is registered for node.
func (km *KeyManager) Has(node types.BFTNode) bool {
	_, ok := km.keys[node]
	return ok
}

// VerifyAggregate checks every signature in an aggregate against the
// validator set indicated by the bitmap, returning an error on the first
// signature that fails or on a count mismatch. It does not check power;
// callers compare AggregatePower against the set's quorum threshold.
func VerifyAggregate(vs *types.ValidatorSet, agg types.AggregateSignature, msg []byte) error {
	validators := vs.Validators()
	sigIdx := 0
	for i, v := range validators {
		if !bitSet(agg.Bitmap, i) {
			continue
		}
		if sigIdx >= len(agg.Signatures) {
			return fmt.Errorf("bftcrypto: aggregate signature count %d shorter than bitmap", len(agg.Signatures))
		}
		if err := Verify(v.Node, msg, agg.Signatures[sigIdx]); err != nil {
			return fmt.Errorf("bftcrypto: signature for validator %s: %w", v.Node, err)
		}
		sigIdx++
	}
	if sigIdx != len(agg.Signatures) {
		return fmt.Errorf("bftcrypto: aggregate carries %d signatures but bitmap selects %d", len(agg.Signatures), sigIdx)
	}
	return nil
}

// AggregatePower sums the power of validators whose bit is set in the
// bitmap, without verifying signatures (callers must call VerifyAggregate
// first when the signatures have not already been checked).
func AggregatePower(vs *types.ValidatorSet, agg types.AggregateSignature) *big.Int {
	validators := vs.Validators()
	sum := new(big.Int)
	for i, v := range validators {
		if bitSet(agg.Bitmap, i) {
			sum.Add(sum, v.Power)
		}
	}
	return sum
}

func bitSet(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// setBit flips on the bit for validator index i, growing the bitmap if
// needed.
func setBit(bitmap []byte, i int) []byte {
	byteIdx := i / 8
	for len(bitmap) <= byteIdx {
		bitmap = append(bitmap, 0)
	}
	bitmap[byteIdx] |= 1 << uint(i%8)
	return bitmap
}

// BuildAggregate assembles an AggregateSignature from a set of per-voter
// signatures in validator-set order. Signatures not present in `sigs` are
// omitted and their bit left clear.
func BuildAggregate(vs *types.ValidatorSet, sigs map[types.BFTNode][]byte) types.AggregateSignature {
	var agg types.AggregateSignature
	for i, v := range vs.Validators() {
		sig, ok := sigs[v.Node]
		if !ok {
			continue
		}
		agg.Bitmap = setBit(agg.Bitmap, i)
		agg.Signatures = append(agg.Signatures, sig)
	}
	return agg
}
