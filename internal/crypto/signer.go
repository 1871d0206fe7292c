package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs legacy transactions for one chain with the oracle key.
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewTxSigner creates a TxSigner using EIP-155 replay protection.
func NewTxSigner(key *ecdsa.PrivateKey, chainID int64) (*TxSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto/signer: nil key")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: invalid chain id %d", chainID)
	}
	return &TxSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(big.NewInt(chainID)),
	}, nil
}

// Address returns the sender address.
func (s *TxSigner) Address() common.Address {
	return s.address
}

// SignTx signs tx.
func (s *TxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the signer of a signed transaction.
func (s *TxSigner) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
