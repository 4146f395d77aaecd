package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// The three ERC-20 entry points this service needs, as precomputed 4-byte
// selectors. Matches the minimal ABI the settlement path relies on:
// transfer(address,uint256), balanceOf(address), decimals().
const (
	selectorTransfer  = "a9059cbb"
	selectorBalanceOf = "70a08231"
	selectorDecimals  = "313ce567"

	// keccak256("Transfer(address,address,uint256)")
	transferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

func encodeTransferCall(toAddress string, amount *big.Int) ([]byte, error) {
	addr, err := padAddress(toAddress)
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(selectorTransfer + addr + padUint(amount))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func encodeBalanceOfCall(address string) (string, error) {
	addr, err := padAddress(address)
	if err != nil {
		return "", err
	}
	return "0x" + selectorBalanceOf + addr, nil
}

func encodeDecimalsCall() string {
	return "0x" + selectorDecimals
}

func padAddress(address string) (string, error) {
	hexAddr := strings.TrimPrefix(strings.ToLower(address), "0x")
	if len(hexAddr) != 40 {
		return "", fmt.Errorf("invalid address %q", address)
	}
	if _, err := hex.DecodeString(hexAddr); err != nil {
		return "", fmt.Errorf("invalid address %q", address)
	}
	return strings.Repeat("0", 24) + hexAddr, nil
}

func padUint(v *big.Int) string {
	s := v.Text(16)
	return strings.Repeat("0", 64-len(s)) + s
}

// addressTopic is the 32-byte log-topic form of an address, used to filter
// Transfer events by recipient.
func addressTopic(address string) (string, error) {
	padded, err := padAddress(address)
	if err != nil {
		return "", err
	}
	return "0x" + padded, nil
}

func parseHexUint(v string) (*big.Int, error) {
	s := strings.TrimPrefix(v, "0x")
	if s == "" {
		return nil, errors.New("empty hex quantity")
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", v)
	}
	return n, nil
}

// toUnits converts a decimal asset amount into the chain's native integer
// unit using the token's declared precision. Precision is always queried from
// the chain, never assumed.
func toUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	if shifted.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s must be positive", amount)
	}
	return shifted.BigInt(), nil
}

func fromUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}
