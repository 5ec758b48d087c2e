package session

import (
	"context"
	"encoding/json"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"math/big"
	"moff.io/coursewallet/pkg/errors"
)

// Signer authorizes operations for one account of a wallet session.
type Signer interface {
	Address() common.Address
	// SignMessage asks the wallet for an EIP-191 personal signature of msg.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	// SendTransaction asks the wallet to sign and broadcast tx.
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)
}

// TxRequest is the eth_sendTransaction parameter object, From is the signer.
type TxRequest struct {
	To    *common.Address
	Value *big.Int
	Data  []byte
	Gas   uint64
}

type txParams struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

func (r TxRequest) params(from common.Address) txParams {
	p := txParams{From: from, To: r.To, Data: r.Data}
	if r.Value != nil {
		p.Value = (*hexutil.Big)(r.Value)
	}
	if r.Gas != 0 {
		gas := hexutil.Uint64(r.Gas)
		p.Gas = &gas
	}
	return p
}

type connectorSigner struct {
	connector Connector
	account   common.Address
}

func newConnectorSigner(c Connector, account common.Address) Signer {
	return &connectorSigner{connector: c, account: account}
}

func (s *connectorSigner) Address() common.Address {
	return s.account
}

func (s *connectorSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	raw, err := s.connector.Request(ctx, "personal_sign", hexutil.Encode(msg), s.account.Hex())
	if err != nil {
		return nil, errors.Wrap(err, "personal_sign")
	}
	var sig hexutil.Bytes
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, errors.Wrap(err, "decode personal_sign result")
	}
	if !VerifySignature(s.account, sig, msg) {
		return nil, errors.Wrapf(ErrSignatureMismatch, "account %s", s.account.Hex())
	}
	return sig, nil
}

func (s *connectorSigner) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	raw, err := s.connector.Request(ctx, "eth_sendTransaction", tx.params(s.account))
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "eth_sendTransaction")
	}
	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, errors.Wrap(err, "decode eth_sendTransaction result")
	}
	return hash, nil
}

// VerifySignature reports whether sig is an EIP-191 personal signature of msg by addr.
func VerifySignature(addr common.Address, sig []byte, msg []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	sig = append([]byte{}, sig...)
	// Transform yellow paper V from 27/28 to 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	recovered, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*recovered) == addr
}
