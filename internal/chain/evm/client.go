// Package evm wraps go-ethereum's ethclient for the two EVM operations the
// local settlement path needs: a balance read for verification, and a
// transferWithAuthorization submission + confirmation wait for settlement.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"x402gateway/internal/x402types"
)

// erc3009ABIJSON is the minimal ABI surface the gateway needs from an
// EIP-3009-compatible token: balanceOf for verification, and
// transferWithAuthorization for settlement.
const erc3009ABIJSON = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}
	],"name":"transferWithAuthorization","outputs":[],"type":"function"}
]`

var erc3009ABI abi.ABI

func init() {
	var err error
	erc3009ABI, err = abi.JSON(strings.NewReader(erc3009ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("evm: invalid embedded ABI: %v", err))
	}
}

// Client is a per-network EVM client bound to one RPC endpoint and the
// gateway's settlement private key.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	settlement *ecdsa.PrivateKey
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// NewClient builds a Client from an already-dialed ethclient, the
// network's numeric chain id, and the gateway's settlement key.
func NewClient(eth *ethclient.Client, chainID int64, settlementKey *ecdsa.PrivateKey) *Client {
	return &Client{eth: eth, chainID: big.NewInt(chainID), settlement: settlementKey}
}

// BalanceOf reads the token contract's balanceOf(holder). A transport
// failure here is the caller's responsibility to treat as "unknown,
// allow" per §4.3 — this function simply reports the error.
func (c *Client) BalanceOf(ctx context.Context, tokenAddress, holder string) (*big.Int, error) {
	data, err := erc3009ABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}

	tokenAddr := common.HexToAddress(tokenAddress)
	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call balanceOf: %w", err)
	}

	outputs, err := erc3009ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: unexpected balanceOf return type %T", outputs[0])
	}
	return balance, nil
}

// splitSignature decomposes a 65-byte (r,s,v) signature into the
// contract-call shape transferWithAuthorization expects, normalizing v to
// 27/28 if the client supplied the 0/1 recovery id form.
func splitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, fmt.Errorf("evm: signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// SubmitTransferWithAuthorization builds, signs (with the settlement key),
// and broadcasts a transferWithAuthorization call. Returns the submitted
// transaction hash; failures bubble up verbatim per §4.4.
func (c *Client) SubmitTransferWithAuthorization(ctx context.Context, tokenAddress string, auth x402types.EVMAuthorization, sigHex string) (common.Hash, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("evm: invalid authorization value %q", auth.Value)
	}

	sig := common.FromHex(sigHex)
	v, r, s, err := splitSignature(sig)
	if err != nil {
		return common.Hash{}, err
	}

	nonceBytes := common.HexToHash(auth.Nonce)

	data, err := erc3009ABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonceBytes,
		v, r, s,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pack transferWithAuthorization: %w", err)
	}

	settlementAddr := crypto.PubkeyToAddress(c.settlement.PublicKey)
	pendingNonce, err := c.eth.PendingNonceAt(ctx, settlementAddr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pending nonce: %w", err)
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(100_000_000) // 0.1 gwei fallback
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	var maxFee *big.Int
	if err != nil || header == nil || header.BaseFee == nil {
		maxFee = new(big.Int).Add(tip, big.NewInt(1_000_000_000))
	} else {
		maxFee = new(big.Int).Add(new(big.Int).Mul(big.NewInt(2), header.BaseFee), tip)
	}

	tokenAddr := common.HexToAddress(tokenAddress)
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: settlementAddr,
		To:   &tokenAddr,
		Data: data,
	})
	if err != nil {
		gasLimit = 150_000
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     pendingNonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &tokenAddr,
		Data:      data,
	})

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.settlement)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("evm: send transaction: %w", err)
	}

	return signedTx.Hash(), nil
}

// WaitForConfirmation polls for one confirmation of txHash, bounded by the
// context's deadline (§5: "typical bound 60s for confirmation").
func (c *Client) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: wait for confirmation: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
