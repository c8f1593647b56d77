package treasury

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidRecipient = errors.New("invalid recipient address")

// Transfer is a plain value transfer to be signed.
type Transfer struct {
	Nonce    uint64
	To       string
	ValueWei *big.Int
	GasPrice *big.Int
	GasLimit uint64
}

// Signer holds the treasury key and signs legacy EIP-155 transfers.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewSigner parses a hex private key, with or without 0x.
func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(big.NewInt(chainID)),
	}, nil
}

// Address is the checksummed signing address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign returns the encoded signed transaction and keccak256 of those bytes,
// which is the hash the network will report for it.
func (s *Signer) Sign(t Transfer) ([]byte, string, error) {
	if !common.IsHexAddress(t.To) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidRecipient, t.To)
	}
	to := common.HexToAddress(t.To)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: t.GasPrice,
		Gas:      t.GasLimit,
		To:       &to,
		Value:    t.ValueWei,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, "", fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("encode tx: %w", err)
	}
	return raw, crypto.Keccak256Hash(raw).Hex(), nil
}
