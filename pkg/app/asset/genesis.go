package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/uhyunpark/hypersettle/params"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/units"
)

// ApplyGenesis seeds balances and allowances once per store. It returns
// false without writing anything if a genesis was already applied.
// Allowances without a spender are granted to defaultSpender.
func ApplyGenesis(ctx context.Context, store storage.Store, tokens []*Token, defaultSpender common.Address, g *params.Genesis) (bool, error) {
	byID := make(map[string]*Token, len(tokens))
	for _, t := range tokens {
		byID[t.ID()] = t
	}

	applied := false
	err := store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Get(storage.GenesisKey()); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		for i, b := range g.Balances {
			tok, ok := byID[b.Asset]
			if !ok {
				return fmt.Errorf("genesis balance %d: unknown asset %q", i, b.Asset)
			}
			owner, err := crypto.ParseAddress(b.Owner)
			if err != nil {
				return fmt.Errorf("genesis balance %d: %w", i, err)
			}
			amount, err := units.ParseUnits(b.Amount, tok.Decimals())
			if err != nil {
				return fmt.Errorf("genesis balance %d: %w", i, err)
			}
			if err := tok.Mint(tx, owner, amount); err != nil {
				return fmt.Errorf("genesis balance %d: %w", i, err)
			}
		}

		for i, a := range g.Allowances {
			tok, ok := byID[a.Asset]
			if !ok {
				return fmt.Errorf("genesis allowance %d: unknown asset %q", i, a.Asset)
			}
			owner, err := crypto.ParseAddress(a.Owner)
			if err != nil {
				return fmt.Errorf("genesis allowance %d: %w", i, err)
			}
			spender := defaultSpender
			if a.Spender != "" {
				if spender, err = crypto.ParseAddress(a.Spender); err != nil {
					return fmt.Errorf("genesis allowance %d: %w", i, err)
				}
			}
			var amount *big.Int
			if a.Amount == "max" {
				amount = new(big.Int).Set(math.MaxBig256)
			} else if amount, err = units.ParseUnits(a.Amount, tok.Decimals()); err != nil {
				return fmt.Errorf("genesis allowance %d: %w", i, err)
			}
			if err := tok.Approve(tx, owner, spender, amount); err != nil {
				return fmt.Errorf("genesis allowance %d: %w", i, err)
			}
		}

		applied = true
		return tx.Set(storage.GenesisKey(), []byte{1})
	})
	return applied, err
}
