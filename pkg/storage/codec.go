package storage

import (
	"errors"
	"fmt"
	"math/big"
)

// amounts are stored as fixed 32-byte big-endian uint256 values
const amountLen = 32

func EncodeAmount(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("amount out of uint256 range: %v", v)
	}
	out := make([]byte, amountLen)
	v.FillBytes(out)
	return out, nil
}

func DecodeAmount(b []byte) (*big.Int, error) {
	if len(b) != amountLen {
		return nil, fmt.Errorf("bad amount encoding: %d bytes", len(b))
	}
	return new(big.Int).SetBytes(b), nil
}

// GetAmount reads an amount, treating a missing key as zero.
func GetAmount(r Reader, key []byte) (*big.Int, error) {
	b, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeAmount(b)
}

func PutAmount(tx Tx, key []byte, v *big.Int) error {
	b, err := EncodeAmount(v)
	if err != nil {
		return err
	}
	return tx.Set(key, b)
}
