package verify

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"x402gateway/internal/x402types"
)

// transferWithAuthorizationTypes is the EIP-712 type set for EIP-3009's
// TransferWithAuthorization, field order (from, to, value, validAfter,
// validBefore, nonce) per §4.3.
var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// recoverEVMSigner verifies the EIP-712 TransferWithAuthorization signature
// over auth/token/chain and returns the recovered signer address. Values
// are widened to 256-bit integers for hashing per §4.3.
func recoverEVMSigner(token x402types.TokenDescriptor, chainID int64, auth x402types.EVMAuthorization, sigHex string) (string, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid authorization value %q", auth.Value)
	}

	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              token.Name,
			Version:           token.Version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: token.Address,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  math.NewHexOrDecimal256(auth.ValidAfter),
			"validBefore": math.NewHexOrDecimal256(auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}

	sigBytes := common.FromHex(sigHex)
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	// EIP-712 signatures carry v in {27,28}; go-ethereum's recovery wants {0,1}.
	sigForRecovery := make([]byte, 65)
	copy(sigForRecovery, sigBytes)
	if sigForRecovery[64] >= 27 {
		sigForRecovery[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigForRecovery)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
