// file: pkg/crypto/ethaddr.go
package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ParseAddress parses a 0x-prefixed 20-byte hex address.
// All-lowercase and all-uppercase inputs are accepted as is; mixed-case
// inputs must carry a valid EIP-55 checksum, so a mistyped address is
// rejected instead of silently routing assets elsewhere.
func ParseAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address must be 0x-prefixed: %q", s)
	}
	body := s[2:]
	raw, err := hex.DecodeString(body)
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if EIP55(raw) != "0x"+body {
			return common.Address{}, fmt.Errorf("bad EIP-55 checksum: %q", s)
		}
	}
	return common.BytesToAddress(raw), nil
}

// EIP55 computes the checksummed hex address string from 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20) // lower
	// keccak of lowercase hex
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)
	// apply checksum
	var out = make([]byte, 2+len(hexaddr))
	copy(out, []byte("0x"))
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// each hex char maps to 4 bits; i>>1 picks the byte, parity picks the nibble
		hb := hash[i>>1]
		nibble := hb & 0x0f
		if i%2 == 0 {
			nibble = hb >> 4
		}
		if nibble >= 8 {
			out[2+i] = c - 'a' + 'A'
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}
