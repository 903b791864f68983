package util

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeySize is the byte length of an Ed25519 public key / Solana wallet
// address (§3: "base58, 32-byte Ed25519 key").
const PubkeySize = 32

// SignatureSize is the byte length of an Ed25519 signature.
const SignatureSize = 64

// DecodePubkey base58-decodes a wallet public key and checks its length.
func DecodePubkey(encoded string) ([]byte, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(raw) != PubkeySize {
		return nil, fmt.Errorf("decode pubkey: expected %d bytes, got %d", PubkeySize, len(raw))
	}
	return raw, nil
}

// DecodeSignature base58-decodes an Ed25519 signature and checks its length.
func DecodeSignature(encoded string) ([]byte, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != SignatureSize {
		return nil, fmt.Errorf("decode signature: expected %d bytes, got %d", SignatureSize, len(raw))
	}
	return raw, nil
}

// EncodePubkey base58-encodes a raw 32-byte wallet public key.
func EncodePubkey(raw []byte) string {
	return base58.Encode(raw)
}
