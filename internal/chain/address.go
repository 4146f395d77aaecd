package chain

import "regexp"

var evmAddressRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidAddress checks the address format for the given network family.
func ValidAddress(address, network string) bool {
	if network == "TRC20" {
		return ValidTronAddress(address)
	}
	return evmAddressRe.MatchString(address)
}
