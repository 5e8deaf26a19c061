package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/uhyunpark/hypersettle/params"
	"github.com/uhyunpark/hypersettle/pkg/app/transaction"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/units"
)

func main() {
	var (
		keyHex   = flag.String("key", "", "owner private key (hex); a fresh key is generated when empty")
		executor = flag.String("executor", "", "executor address allowed to submit the order")
		sideStr  = flag.String("side", "bid", "bid|ask")
		qty      = flag.String("qty", "1", "quantity in base units, e.g. 1.5")
		price    = flag.String("price", "", "limit price in quote units per whole base unit")
		stop     = flag.String("stop", "", "stop price in quote units; empty means no stop")
		ttl      = flag.Duration("ttl", time.Hour, "time until the order expires")
		nonce    = flag.Uint64("nonce", 0, "order nonce; random when 0")
		fullFill = flag.Bool("full", false, "only fill completely")
		cancel   = flag.Bool("cancel", false, "print a signed cancel transaction for the order instead")
		envPath  = flag.String("env", "", ".env file with domain and asset settings")
	)
	flag.Parse()

	if err := run(*envPath, *keyHex, *executor, *sideStr, *qty, *price, *stop, *ttl, *nonce, *fullFill, *cancel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(envPath, keyHex, executorStr, sideStr, qtyStr, priceStr, stopStr string, ttl time.Duration, nonce uint64, fullFill, cancel bool) error {
	cfg, err := params.LoadFromEnv(envPath)
	if err != nil {
		return err
	}

	// Step 1: key
	var signer *crypto.Signer
	if keyHex == "" {
		if signer, err = crypto.GenerateKey(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Generated key\n  Address: %s\n  Public Key: %s\n  Private Key: %s (KEEP SECRET!)\n\n",
			signer.Address().Hex(), signer.PublicKeyHex(), signer.PrivateKeyHex())
	} else if signer, err = crypto.FromPrivateKeyHex(keyHex); err != nil {
		return err
	}

	// Step 2: order in smallest units
	side, ok := crypto.SideFromString(sideStr)
	if !ok {
		return fmt.Errorf("invalid side %q", sideStr)
	}
	if executorStr == "" {
		return fmt.Errorf("-executor is required")
	}
	exec, err := crypto.ParseAddress(executorStr)
	if err != nil {
		return err
	}
	if priceStr == "" {
		return fmt.Errorf("-price is required")
	}
	quantity, err := units.ParseUnits(qtyStr, cfg.Base.Decimals)
	if err != nil {
		return fmt.Errorf("qty: %w", err)
	}
	limit, err := units.ParseUnits(priceStr, cfg.Quote.Decimals)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	stopPrice := big.NewInt(0)
	switch {
	case stopStr != "":
		if stopPrice, err = units.ParseUnits(stopStr, cfg.Quote.Decimals); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	case side == crypto.Ask:
		// asks activate when last price <= stop
		stopPrice = new(big.Int).Set(math.MaxBig256)
	}
	if nonce == 0 {
		if nonce, err = crypto.GenerateNonce(); err != nil {
			return err
		}
	}

	order := &crypto.OrderEIP712{
		Owner:           signer.Address(),
		Executor:        exec,
		Nonce:           new(big.Int).SetUint64(nonce),
		Quantity:        quantity,
		LimitPrice:      limit,
		StopPrice:       stopPrice,
		ExpireTimestamp: big.NewInt(time.Now().Add(ttl).Unix()),
		Side:            side,
		OnlyFullFill:    fullFill,
	}

	es := crypto.NewEIP712Signer(crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           cfg.Domain.ChainID,
		VerifyingContract: cfg.Domain.VerifyingContract,
	})
	hash, err := es.HashOrder(order)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Order %s: %s %s %s @ %s %s\n\n", hash.Hex(), side, qtyStr, cfg.Base.Symbol, priceStr, cfg.Quote.Symbol)

	// Step 3: sign
	var out any
	if cancel {
		tx, err := transaction.SignCancelTransaction(signer, es, order)
		if err != nil {
			return err
		}
		if err := verifyCancel(es, hash, signer.Address(), tx.Signature); err != nil {
			return err
		}
		out = tx
	} else {
		sig, err := es.SignOrder(signer, order)
		if err != nil {
			return err
		}
		// Step 4: check the signature recovers to the owner before printing it
		valid, err := es.VerifyOrderSignature(order, sig)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !valid {
			return fmt.Errorf("signature does not recover to owner %s", order.Owner.Hex())
		}
		fmt.Fprintf(os.Stderr, "Signature VALID (signer %s)\n\n", order.Owner.Hex())
		out = transaction.NewSignedOrder(order, sig)

		typed, err := es.OrderToJSON(order)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "eth_signTypedData_v4 payload:")
		fmt.Fprintln(os.Stderr, typed)
		fmt.Fprintln(os.Stderr)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func verifyCancel(es *crypto.EIP712Signer, orderHash common.Hash, owner common.Address, sigHex string) error {
	digest, err := es.HashCancel(orderHash)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("cancel signature: %w", err)
	}
	if !crypto.VerifySignature(owner, digest.Bytes(), sig) {
		return fmt.Errorf("cancel signature does not recover to owner %s", owner.Hex())
	}
	fmt.Fprintf(os.Stderr, "Cancel signature VALID (signer %s)\n\n", owner.Hex())
	return nil
}
