package verify

import "math/big"

// parseBigInt parses a base-10 integer string, as carried in an
// authorization's decimal "value" field.
func parseBigInt(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
