package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the distributor account key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an already-parsed private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// ParseSigner parses a hex private key, with or without a 0x prefix.
func ParseSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key), nil
}

// LoadSigner resolves the distributor key from a key file or an inline hex key.
// The file wins when both are set. With neither set it returns (nil, nil):
// the client still serves reads and every submission fails with ErrNoSigner.
func LoadSigner(inlineKey, keyFile string) (*Signer, error) {
	if keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read distributor key file: %w", err)
		}
		return ParseSigner(string(raw))
	}
	if inlineKey != "" {
		return ParseSigner(inlineKey)
	}
	return nil, nil
}

// Address returns the distributor account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx with an EIP-155 signer for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
