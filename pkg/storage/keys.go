package storage

import (
	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	fill:<32-byte order hash>                   -> filled amount
//	px:last                                     -> last execution price
//	bal:<asset>:<20-byte owner>                 -> balance
//	alw:<asset>:<20-byte owner><20-byte spender> -> allowance
//	meta:genesis                                -> genesis marker
const (
	prefixFill      = "fill:"
	prefixBalance   = "bal:"
	prefixAllowance = "alw:"
)

func FillKey(orderHash common.Hash) []byte {
	return append([]byte(prefixFill), orderHash[:]...)
}

func LastPriceKey() []byte { return []byte("px:last") }

func BalanceKey(asset string, owner common.Address) []byte {
	k := []byte(prefixBalance + asset + ":")
	return append(k, owner[:]...)
}

func AllowanceKey(asset string, owner, spender common.Address) []byte {
	k := []byte(prefixAllowance + asset + ":")
	k = append(k, owner[:]...)
	return append(k, spender[:]...)
}

func GenesisKey() []byte { return []byte("meta:genesis") }
