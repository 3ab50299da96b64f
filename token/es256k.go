package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang-jwt/jwt/v5"
)

// SigningMethodES256K signs tokens with ECDSA over secp256k1 and SHA-256.
// The signature is the raw 64-byte r || s.
var SigningMethodES256K = &signingMethodES256K{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodES256K.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256K
	})
}

type signingMethodES256K struct{}

func (m *signingMethodES256K) Alg() string { return "ES256K" }

// Sign expects a *secp256k1.PrivateKey.
func (m *signingMethodES256K) Sign(signingString string, key any) ([]byte, error) {
	priv, ok := key.(*secp256k1.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ES256K sign expects *secp256k1.PrivateKey: %w", jwt.ErrInvalidKeyType)
	}

	digest := sha256.Sum256([]byte(signingString))
	// RFC6979 deterministic, low-S. Layout: [recovery, r(32), s(32)].
	compact := ecdsa.SignCompact(priv, digest[:], false)
	return compact[1:65], nil
}

// Verify expects a *secp256k1.PublicKey.
func (m *signingMethodES256K) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(*secp256k1.PublicKey)
	if !ok {
		return fmt.Errorf("ES256K verify expects *secp256k1.PublicKey: %w", jwt.ErrInvalidKeyType)
	}
	if len(sig) != 64 {
		return jwt.ErrSignatureInvalid
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return jwt.ErrSignatureInvalid
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return jwt.ErrSignatureInvalid
	}

	digest := sha256.Sum256([]byte(signingString))
	if !ecdsa.NewSignature(&r, &s).Verify(digest[:], pub) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// ParseSecp256k1PrivateKey decodes a hex-encoded 32-byte private key.
func ParseSecp256k1PrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	keyBytes, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("creditgate/token: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("creditgate/token: private key must be 32 bytes, got %d", len(keyBytes))
	}

	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	if priv.Key.IsZero() {
		return nil, errors.New("creditgate/token: private key is zero")
	}
	return priv, nil
}

// ParseSecp256k1PublicKey decodes a hex-encoded compressed (33-byte) or
// uncompressed (65-byte) public key.
func ParseSecp256k1PublicKey(hexKey string) (*secp256k1.PublicKey, error) {
	keyBytes, err := decodeHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("creditgate/token: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creditgate/token: parse public key: %w", err)
	}
	return pub, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}
