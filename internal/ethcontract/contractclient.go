// Package ethcontract provides a generic, reflection-driven contract
// client: one type that can Call or Send against any contract given only
// its parsed ABI, used for the pool, the protocol data provider, the
// and the Multicall3 aggregator. This avoids
// maintaining a generated Go binding per contract.
package ethcontract

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxReceipt is a display-friendly receipt, matching the shape callers in
// this codebase expect (hex-prefixed strings ready for logging).
type TxReceipt struct {
	TxHash      string
	BlockNumber string
	GasUsed     string
	Status      string
}

// DecodedTransaction is the result of decoding a contract call's calldata
// against an ABI.
type DecodedTransaction struct {
	MethodName string
	Params     map[string]interface{}
}

// ContractClient is the generic per-contract interaction surface used
// throughout the bot. A single implementation backs every contract; only
// the bound address and ABI differ.
type ContractClient interface {
	// Call performs an eth_call (read-only) invocation of method with
	// args, returning the ABI-decoded outputs in declaration order.
	Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error)
	// Send signs and broadcasts a state-changing call using key.
	Send(ctx context.Context, key *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error)
	// Abi returns the contract's parsed ABI.
	Abi() abi.ABI
	// ContractAddress returns the bound contract address.
	ContractAddress() common.Address
	// ParseReceipt fetches and formats a transaction receipt. It does
	// not wait: a transaction with no receipt yet yields an error.
	ParseReceipt(ctx context.Context, hash common.Hash) (*TxReceipt, error)
	// DecodeTransaction decodes raw calldata against the bound ABI.
	DecodeTransaction(data []byte) (*DecodedTransaction, error)
	// TransactionData fetches the calldata of a mined or pending
	// transaction by hash.
	TransactionData(ctx context.Context, hash common.Hash) ([]byte, error)
}

type client struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewContractClient binds a contract client to address using the parsed
// abi over eth.
func NewContractClient(eth *ethclient.Client, address common.Address, contractABI abi.ABI) ContractClient {
	return &client{eth: eth, address: address, abi: contractABI}
}

func (c *client) Abi() abi.ABI                        { return c.abi }
func (c *client) ContractAddress() common.Address     { return c.address }

func (c *client) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	ctx := context.Background()
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if caller != nil {
		msg.From = *caller
	}
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *client) Send(ctx context.Context, key *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.address, Data: input})
	if err != nil {
		gasLimit = 500000
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signer := types.NewEIP155Signer(chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signedTx.Hash(), nil
}

func (c *client) ParseReceipt(ctx context.Context, hash common.Hash) (*TxReceipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	status := "0x0"
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = "0x1"
	}
	return &TxReceipt{
		TxHash:      hash.Hex(),
		BlockNumber: receipt.BlockNumber.String(),
		GasUsed:     strconv.FormatUint(receipt.GasUsed, 10),
		Status:      status,
	}, nil
}

func (c *client) DecodeTransaction(data []byte) (*DecodedTransaction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("method by id: %w", err)
	}
	args := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack into map: %w", err)
	}
	return &DecodedTransaction{MethodName: method.Name, Params: args}, nil
}

func (c *client) TransactionData(ctx context.Context, hash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction by hash %s: %w", hash.Hex(), err)
	}
	return tx.Data(), nil
}
