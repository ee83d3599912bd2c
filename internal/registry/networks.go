package registry

import "x402gateway/internal/x402types"

// builtinNetworks is the static table described in §2/§3: one entry per
// supported chain, keyed by CAIP-2 identifier. Addresses and EIP-3009
// domain parameters verified 2026-01-15 against the issuing token's public
// documentation, the same annotation style used across the retrieved x402
// SDKs for this table.
var builtinNetworks = []x402types.NetworkDescriptor{
	{
		ID:           "eip155:8453",
		VM:           x402types.VMEVM,
		ChainNumeric: 8453,
		RPCURLRef:    "base",
		Token: x402types.TokenDescriptor{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	{
		ID:           "eip155:84532",
		VM:           x402types.VMEVM,
		ChainNumeric: 84532,
		RPCURLRef:    "base-sepolia",
		Token: x402types.TokenDescriptor{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	{
		ID:           "eip155:1",
		VM:           x402types.VMEVM,
		ChainNumeric: 1,
		RPCURLRef:    "ethereum",
		Token: x402types.TokenDescriptor{
			Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	{
		// MegaETH-style 18-decimal stablecoin, routed through an external
		// facilitator (§4.3/§8 scenario 3: amount scaling at d=18).
		ID:           "eip155:6342",
		VM:           x402types.VMEVM,
		ChainNumeric: 6342,
		RPCURLRef:    "megaeth-testnet",
		Token: x402types.TokenDescriptor{
			Address:  "0x0000000000000000000000000000000000dEaD",
			Name:     "Mega USD",
			Version:  "1",
			Decimals: 18,
		},
		Facilitator: &x402types.FacilitatorDescriptor{
			URL:                     "https://facilitator.megaeth.example/x402",
			APIKeyRef:               "megaeth",
			ExternalNetworkName:     "eip155:6342",
			ExternalRecipient:       "0x0000000000000000000000000000000000bEEF",
			ExternalProtocolVersion: 2,
		},
	},
	{
		ID:        "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		VM:        x402types.VMSVM,
		RPCURLRef: "solana",
		Token: x402types.TokenDescriptor{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals: 6,
		},
	},
	{
		ID:        "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		VM:        x402types.VMSVM,
		RPCURLRef: "solana-devnet",
		Token: x402types.TokenDescriptor{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: 6,
		},
	},
}
