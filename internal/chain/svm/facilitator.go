// Package svm implements the gateway's own SVM facilitator: decoding a
// client's partially-signed Solana transaction, validating its transfer
// instruction against a route's requirements, co-signing as fee payer,
// submitting, and confirming (§4.3/§4.4's SVM variants, "the SVM
// facilitator library").
package svm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Facilitator co-signs and submits SVM "exact" payments on behalf of the
// gateway, using one fee-payer keypair per process.
type Facilitator struct {
	feePayer  solana.PrivateKey
	rpcClient *rpc.Client
}

// NewFacilitator builds a Facilitator from a base58-encoded fee-payer
// private key and a Solana RPC endpoint.
func NewFacilitator(feePayerBase58, rpcURL string) (*Facilitator, error) {
	key, err := solana.PrivateKeyFromBase58(feePayerBase58)
	if err != nil {
		return nil, fmt.Errorf("svm: parse fee-payer key: %w", err)
	}
	return &Facilitator{feePayer: key, rpcClient: rpc.New(rpcURL)}, nil
}

// FeePayerAddress returns the gateway's SVM fee-payer public key, surfaced
// to clients as the 402 challenge's extra.feePayer (§4.2).
func (f *Facilitator) FeePayerAddress() string {
	return f.feePayer.PublicKey().String()
}

// DecodeTransaction parses a base64-encoded, partially-signed transaction
// from a client payload.
func DecodeTransaction(base64Tx string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Tx)
	if err != nil {
		return nil, fmt.Errorf("svm: decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("svm: decode transaction: %w", err)
	}
	return tx, nil
}

// TransferRequirements is the minimal shape verifyTransfer needs to check
// an SPL token transfer instruction.
type TransferRequirements struct {
	Mint          string
	RecipientATA  string
	RequiredAtoms uint64
}

// verifyTransfer locates the TransferChecked instruction among tx's
// instructions and checks it against requirements, returning the payer
// (the instruction's authority account).
func verifyTransfer(tx *solana.Transaction, requirements TransferRequirements, feePayer solana.PublicKey) (payer string, err error) {
	for _, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
			continue
		}

		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil || len(accounts) < 4 {
			continue
		}

		decoded, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		transferChecked, ok := decoded.Impl.(*token.TransferChecked)
		if !ok {
			continue
		}

		authority := accounts[3].PublicKey
		if authority.Equals(feePayer) {
			return "", fmt.Errorf("svm: fee payer must not be the transfer authority")
		}

		mintAddr := accounts[1].PublicKey.String()
		if mintAddr != requirements.Mint {
			return "", fmt.Errorf("svm: mint %s does not match required %s", mintAddr, requirements.Mint)
		}

		destATA := transferChecked.GetDestinationAccount().PublicKey.String()
		if destATA != requirements.RecipientATA {
			return "", fmt.Errorf("svm: destination ATA %s does not match required %s", destATA, requirements.RecipientATA)
		}

		if transferChecked.Amount == nil || *transferChecked.Amount < requirements.RequiredAtoms {
			return "", fmt.Errorf("svm: transfer amount below required %d", requirements.RequiredAtoms)
		}

		return authority.String(), nil
	}
	return "", fmt.Errorf("svm: no TransferChecked instruction found")
}

// RecipientATA derives the associated token account for owner/mint, the
// form a route's SVM payTo is checked against.
func RecipientATA(owner, mint string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("svm: invalid owner address %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("svm: invalid mint address %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", fmt.Errorf("svm: derive associated token address: %w", err)
	}
	return ata.String(), nil
}

// VerifyResult is the outcome of a successful SVM verification.
type VerifyResult struct {
	Payer string
}

// Verify validates tx's transfer instruction against requirements, then
// co-signs and simulates it to prove it would succeed on submission. The
// signature added here is discarded by Settle, which re-signs with a
// fresh blockhash.
func (f *Facilitator) Verify(ctx context.Context, base64Tx string, requirements TransferRequirements) (*VerifyResult, error) {
	tx, err := DecodeTransaction(base64Tx)
	if err != nil {
		return nil, err
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(f.feePayer.PublicKey()) {
		return nil, fmt.Errorf("svm: transaction fee payer does not match facilitator key")
	}

	payer, err := verifyTransfer(tx, requirements, f.feePayer.PublicKey())
	if err != nil {
		return nil, err
	}

	if err := f.coSign(ctx, tx); err != nil {
		return nil, fmt.Errorf("svm: co-sign for simulation: %w", err)
	}

	result, err := f.rpcClient.SimulateTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("svm: simulate transaction: %w", err)
	}
	if result.Value.Err != nil {
		return nil, fmt.Errorf("svm: simulation failed: %v", result.Value.Err)
	}

	return &VerifyResult{Payer: payer}, nil
}

// coSign refreshes the blockhash and adds the fee payer's signature,
// leaving the payer's previously-added signature untouched.
func (f *Facilitator) coSign(ctx context.Context, tx *solana.Transaction) error {
	recent, err := f.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("get latest blockhash: %w", err)
	}
	tx.Message.RecentBlockhash = recent.Value.Blockhash

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(f.feePayer.PublicKey()) {
			return &f.feePayer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// SettleResult is the outcome of a successful SVM settlement.
type SettleResult struct {
	Signature string
}

// Settle re-validates, co-signs, submits, and awaits one confirmation for
// tx. Per §4.4, settlement re-runs verification rather than trusting a
// prior Verify call's result.
func (f *Facilitator) Settle(ctx context.Context, base64Tx string, requirements TransferRequirements) (*SettleResult, error) {
	verifyResult, err := f.Verify(ctx, base64Tx, requirements)
	if err != nil {
		return nil, err
	}
	_ = verifyResult

	tx, err := DecodeTransaction(base64Tx)
	if err != nil {
		return nil, err
	}
	if err := f.coSign(ctx, tx); err != nil {
		return nil, fmt.Errorf("svm: co-sign for settlement: %w", err)
	}

	sig, err := f.rpcClient.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("svm: send transaction: %w", err)
	}

	if err := f.confirm(ctx, sig); err != nil {
		return nil, fmt.Errorf("svm: confirm transaction %s: %w", sig, err)
	}

	return &SettleResult{Signature: sig.String()}, nil
}

// confirm polls getSignatureStatuses until the transaction is confirmed,
// fails, or ctx is exhausted.
func (f *Facilitator) confirm(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := f.rpcClient.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ParseAtoms parses a decimal atomic-unit amount string, as carried in a
// route's scaled requirement.
func ParseAtoms(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
