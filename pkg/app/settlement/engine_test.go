package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/asset"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/metrics"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

var testNow = time.Unix(1_700_000_000, 0)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    storage.Store
	engine   *Engine
	base     *asset.Token
	quote    *asset.Token
	clock    *util.ManualClock
	sink     *recordingSink
	executor *crypto.Signer
	nonce    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	executor, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    storage.NewMemStore(),
		base:     asset.NewToken("BASE", "WETH", 18),
		quote:    asset.NewToken("QUOTE", "USDC", 18),
		clock:    util.NewManualClock(testNow),
		sink:     &recordingSink{},
		executor: executor,
	}
	f.engine, err = NewEngine(Config{
		Store:   f.store,
		Signer:  crypto.NewEIP712Signer(crypto.DefaultDomain()),
		Base:    f.base,
		Quote:   f.quote,
		Clock:   f.clock,
		Sink:    f.sink,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return f
}

// party creates a key funded with base and quote and approves the engine.
func (f *fixture) party(base, quote *big.Int) *crypto.Signer {
	f.t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(f.t, err)

	require.NoError(f.t, f.store.Update(f.ctx, func(tx storage.Tx) error {
		if err := f.base.Mint(tx, key.Address(), base); err != nil {
			return err
		}
		if err := f.quote.Mint(tx, key.Address(), quote); err != nil {
			return err
		}
		if err := f.base.Approve(tx, key.Address(), f.engine.Spender(), math.MaxBig256); err != nil {
			return err
		}
		return f.quote.Approve(tx, key.Address(), f.engine.Spender(), math.MaxBig256)
	}))
	return key
}

// order builds an order with no stop condition that expires in an hour.
func (f *fixture) order(owner *crypto.Signer, side Side, qty, price *big.Int) *Order {
	f.nonce++
	stop := big.NewInt(0)
	if side == Ask {
		stop = new(big.Int).Set(math.MaxBig256)
	}
	return &Order{
		Owner:           owner.Address(),
		Executor:        f.executor.Address(),
		Nonce:           big.NewInt(f.nonce),
		Quantity:        qty,
		LimitPrice:      price,
		StopPrice:       stop,
		ExpireTimestamp: big.NewInt(testNow.Unix() + 3600),
		Side:            side,
	}
}

func (f *fixture) sign(owner *crypto.Signer, o *Order) []byte {
	f.t.Helper()
	sig, err := f.engine.Signer().SignOrder(owner, o)
	require.NoError(f.t, err)
	return sig
}

func (f *fixture) execute(taker *crypto.Signer, takerOrder *Order, makers []*crypto.Signer, makerOrders []*Order) (*Receipt, error) {
	sigs := make([][]byte, len(makerOrders))
	for i := range makerOrders {
		sigs[i] = f.sign(makers[i], makerOrders[i])
	}
	return f.engine.Execute(f.ctx, f.executor.Address(), takerOrder, f.sign(taker, takerOrder), makerOrders, sigs)
}

func (f *fixture) balances(addr common.Address) (base, quote *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.store.View(f.ctx, func(r storage.Reader) error {
		var err error
		if base, err = f.base.BalanceOf(r, addr); err != nil {
			return err
		}
		quote, err = f.quote.BalanceOf(r, addr)
		return err
	}))
	return base, quote
}

func (f *fixture) filled(o *Order) *big.Int {
	f.t.Helper()
	h, err := f.engine.HashOrder(o)
	require.NoError(f.t, err)
	v, err := f.engine.Filled(f.ctx, h)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) lastPrice() *big.Int {
	f.t.Helper()
	v, err := f.engine.LastExecutionPrice(f.ctx)
	require.NoError(f.t, err)
	return v
}

func assertAmount(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

func TestExecuteSingleMaker(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))

	takerOrder := f.order(taker, Bid, e18(10), e18(100))
	makerOrder := f.order(maker, Ask, e18(10), e18(100))

	receipt, err := f.execute(taker, takerOrder, []*crypto.Signer{maker}, []*Order{makerOrder})
	require.NoError(t, err)

	tb, tq := f.balances(taker.Address())
	mb, mq := f.balances(maker.Address())
	assertAmount(t, e18(10), tb, "taker base")
	assertAmount(t, big.NewInt(0), tq, "taker quote")
	assertAmount(t, big.NewInt(0), mb, "maker base")
	assertAmount(t, e18(1000), mq, "maker quote")

	assertAmount(t, e18(10), f.filled(takerOrder))
	assertAmount(t, e18(10), f.filled(makerOrder))
	assertAmount(t, e18(100), f.lastPrice())

	require.Len(t, receipt.Legs, 1)
	assertAmount(t, e18(100), receipt.ExecutionPrice)
	assertAmount(t, e18(10), receipt.TakerFilled)

	events := f.sink.all()
	require.Len(t, events, 1)
	ev, ok := events[0].(ExecutionEvent)
	require.True(t, ok)
	assert.Equal(t, maker.Address(), ev.Maker)
	assert.Equal(t, taker.Address(), ev.Taker)
	assert.Equal(t, Bid, ev.Side)
	assertAmount(t, e18(1000), ev.QuoteQty)
}

func TestExecuteAskTaker(t *testing.T) {
	f := newFixture(t)
	taker := f.party(e18(10), big.NewInt(0))
	maker := f.party(big.NewInt(0), e18(1000))

	takerOrder := f.order(taker, Ask, e18(10), e18(90))
	makerOrder := f.order(maker, Bid, e18(10), e18(100))

	_, err := f.execute(taker, takerOrder, []*crypto.Signer{maker}, []*Order{makerOrder})
	require.NoError(t, err)

	tb, tq := f.balances(taker.Address())
	mb, mq := f.balances(maker.Address())
	assertAmount(t, big.NewInt(0), tb)
	assertAmount(t, e18(1000), tq)
	assertAmount(t, e18(10), mb)
	assertAmount(t, big.NewInt(0), mq)
	assertAmount(t, e18(100), f.lastPrice(), "maker sets the price")
}

func TestExecuteMultipleMakersLastPriceWins(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(2000))
	m1 := f.party(e18(4), big.NewInt(0))
	m2 := f.party(e18(10), big.NewInt(0))

	takerOrder := f.order(taker, Bid, e18(10), e18(100))
	o1 := f.order(m1, Ask, e18(4), e18(100))
	o2 := f.order(m2, Ask, e18(10), e18(95))

	receipt, err := f.execute(taker, takerOrder, []*crypto.Signer{m1, m2}, []*Order{o1, o2})
	require.NoError(t, err)

	require.Len(t, receipt.Legs, 2)
	assertAmount(t, e18(4), receipt.Legs[0].BaseQty)
	assertAmount(t, e18(400), receipt.Legs[0].QuoteQty)
	assertAmount(t, e18(6), receipt.Legs[1].BaseQty)
	assertAmount(t, e18(570), receipt.Legs[1].QuoteQty)

	assertAmount(t, e18(95), f.lastPrice())
	assertAmount(t, e18(4), f.filled(o1))
	assertAmount(t, e18(6), f.filled(o2))

	_, tq := f.balances(taker.Address())
	assertAmount(t, e18(2000-400-570), tq)
}

func TestFillsMonotonicAcrossCalls(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	takerOrder := f.order(taker, Bid, e18(10), e18(100))

	prev := big.NewInt(0)
	for _, qty := range []int64{3, 3, 4} {
		makerOrder := f.order(maker, Ask, e18(qty), e18(100))
		_, err := f.execute(taker, takerOrder, []*crypto.Signer{maker}, []*Order{makerOrder})
		require.NoError(t, err)

		got := f.filled(takerOrder)
		assert.True(t, got.Cmp(prev) > 0, "fill must increase")
		assert.True(t, got.Cmp(takerOrder.Quantity) <= 0, "fill must not exceed quantity")
		prev = got
	}
	assertAmount(t, e18(10), prev)

	extra := f.party(e18(1), big.NewInt(0))
	_, err := f.execute(taker, takerOrder, []*crypto.Signer{extra}, []*Order{f.order(extra, Ask, e18(1), e18(100))})
	assert.ErrorIs(t, err, ErrOrderAlreadyFilled)
}

func TestExpiredOrderFailsRegardless(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	stranger, _ := crypto.GenerateKey()

	takerOrder := f.order(taker, Bid, e18(10), e18(100))
	takerOrder.ExpireTimestamp = big.NewInt(testNow.Unix())
	takerOrder.StopPrice = e18(1_000_000) // would also fail the stop check
	makerOrder := f.order(maker, Ask, e18(10), e18(100))

	// wrong caller and a signature from someone else
	_, err := f.engine.Execute(f.ctx, stranger.Address(), takerOrder, f.sign(stranger, takerOrder),
		[]*Order{makerOrder}, [][]byte{f.sign(maker, makerOrder)})
	assert.ErrorIs(t, err, ErrOrderExpired)

	f.clock.Advance(2 * time.Hour)
	_, err = f.execute(taker, f.order(taker, Bid, e18(1), e18(100)), []*crypto.Signer{maker}, []*Order{makerOrder})
	assert.ErrorIs(t, err, ErrOrderExpired)
}

func TestTakerFullFillRequired(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(4), big.NewInt(0))

	takerOrder := f.order(taker, Bid, e18(10), e18(100))
	takerOrder.OnlyFullFill = true
	makerOrder := f.order(maker, Ask, e18(4), e18(100))

	_, err := f.execute(taker, takerOrder, []*crypto.Signer{maker}, []*Order{makerOrder})
	assert.ErrorIs(t, err, ErrFullFillRequired)

	tb, tq := f.balances(taker.Address())
	assertAmount(t, big.NewInt(0), tb)
	assertAmount(t, e18(1000), tq)
	assertAmount(t, big.NewInt(0), f.filled(takerOrder))
	assertAmount(t, big.NewInt(0), f.filled(makerOrder))
	assert.Empty(t, f.sink.all())
}

func TestMakerFullFillFailsWholeBatch(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	m1 := f.party(e18(2), big.NewInt(0))
	m2 := f.party(e18(10), big.NewInt(0))

	takerOrder := f.order(taker, Bid, e18(5), e18(100))
	good := f.order(m1, Ask, e18(2), e18(100))
	strict := f.order(m2, Ask, e18(10), e18(100))
	strict.OnlyFullFill = true

	_, err := f.execute(taker, takerOrder, []*crypto.Signer{m1, m2}, []*Order{good, strict})
	assert.ErrorIs(t, err, ErrFullFillRequired)

	assertAmount(t, big.NewInt(0), f.filled(good), "first leg must not commit")
	mb, _ := f.balances(m1.Address())
	assertAmount(t, e18(2), mb)
	assertAmount(t, big.NewInt(0), f.lastPrice())
}

func TestCancelTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	makerOrder := f.order(maker, Ask, e18(10), e18(100))

	for i := 0; i < 2; i++ {
		h, err := f.engine.CancelOrder(f.ctx, maker.Address(), makerOrder)
		require.NoError(t, err)
		want, _ := f.engine.HashOrder(makerOrder)
		assert.Equal(t, want, h)
		assertAmount(t, e18(10), f.filled(makerOrder))
	}

	_, err := f.execute(taker, f.order(taker, Bid, e18(10), e18(100)), []*crypto.Signer{maker}, []*Order{makerOrder})
	assert.ErrorIs(t, err, ErrOrderAlreadyFilled)

	events := f.sink.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "cancellation", ev.EventType())
	}
}

func TestCancelAfterPartialFill(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	makerOrder := f.order(maker, Ask, e18(10), e18(100))

	_, err := f.execute(taker, f.order(taker, Bid, e18(3), e18(100)), []*crypto.Signer{maker}, []*Order{makerOrder})
	require.NoError(t, err)
	assertAmount(t, e18(3), f.filled(makerOrder))

	_, err = f.engine.CancelOrder(f.ctx, maker.Address(), makerOrder)
	require.NoError(t, err)
	assertAmount(t, e18(10), f.filled(makerOrder))
}

func TestCancelUnauthorized(t *testing.T) {
	f := newFixture(t)
	maker := f.party(e18(10), big.NewInt(0))
	makerOrder := f.order(maker, Ask, e18(10), e18(100))

	_, err := f.engine.CancelOrder(f.ctx, f.executor.Address(), makerOrder)
	assert.ErrorIs(t, err, ErrUnauthorizedCancellation)
	assertAmount(t, big.NewInt(0), f.filled(makerOrder))
	assert.Empty(t, f.sink.all())
}

// Every rejected call leaves balances, fills and the price register untouched.
func TestRejectedCallsMoveNothing(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	poor := f.party(e18(1), big.NewInt(0))
	outsider, _ := crypto.GenerateKey()

	tests := []struct {
		name  string
		want  error
		build func() (common.Address, *Order, []byte, []*Order, [][]byte)
	}{
		{"no makers", ErrNoMakerOrders, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), nil, nil
		}},
		{"signature count", ErrSignatureCountMismatch, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Ask, e18(1), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, nil
		}},
		{"same sides", ErrInvalidOrderSides, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Bid, e18(1), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
		{"bid limit below maker", ErrInvalidPrice, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(99))
			m := f.order(maker, Ask, e18(1), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
		{"zero maker price", ErrInvalidPrice, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Ask, e18(1), big.NewInt(0))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
		{"wrong executor", ErrUnauthorizedExecutor, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Ask, e18(1), e18(100))
			return outsider.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
		{"maker signed by another key", ErrInvalidSignature, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Ask, e18(1), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(outsider, m)}
		}},
		{"garbage signature", ErrInvalidSignature, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(1), e18(100))
			m := f.order(maker, Ask, e18(1), e18(100))
			return f.executor.Address(), o, []byte{1, 2, 3}, []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
		{"maker lacks balance", asset.ErrInsufficientBalance, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(5), e18(100))
			m1 := f.order(maker, Ask, e18(1), e18(100))
			m2 := f.order(poor, Ask, e18(4), e18(100))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m1, m2}, [][]byte{f.sign(maker, m1), f.sign(poor, m2)}
		}},
		{"taker lacks quote", asset.ErrInsufficientBalance, func() (common.Address, *Order, []byte, []*Order, [][]byte) {
			o := f.order(taker, Bid, e18(10), e18(200))
			m := f.order(maker, Ask, e18(10), e18(200))
			return f.executor.Address(), o, f.sign(taker, o), []*Order{m}, [][]byte{f.sign(maker, m)}
		}},
	}

	parties := []common.Address{taker.Address(), maker.Address(), poor.Address()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type bal struct{ base, quote string }
			before := make([]bal, len(parties))
			for i, p := range parties {
				b, q := f.balances(p)
				before[i] = bal{b.String(), q.String()}
			}

			caller, o, sig, makers, sigs := tt.build()
			_, err := f.engine.Execute(f.ctx, caller, o, sig, makers, sigs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			for i, p := range parties {
				b, q := f.balances(p)
				assert.Equal(t, before[i], bal{b.String(), q.String()}, "balances of party %d", i)
			}
			assertAmount(t, big.NewInt(0), f.filled(o))
			for _, m := range makers {
				assertAmount(t, big.NewInt(0), f.filled(m))
			}
			assertAmount(t, big.NewInt(0), f.lastPrice())
		})
	}
	assert.Empty(t, f.sink.all())
}

func TestStopPriceGating(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(10_000))
	maker := f.party(e18(100), e18(10_000))

	// nothing has traded yet, so a bid stop above zero is not triggered
	stopped := f.order(taker, Bid, e18(1), e18(100))
	stopped.StopPrice = e18(50)
	_, err := f.execute(taker, stopped, []*crypto.Signer{maker}, []*Order{f.order(maker, Ask, e18(1), e18(100))})
	assert.ErrorIs(t, err, ErrInvalidStopPrice)

	_, err = f.execute(taker, f.order(taker, Bid, e18(1), e18(100)), []*crypto.Signer{maker}, []*Order{f.order(maker, Ask, e18(1), e18(100))})
	require.NoError(t, err)

	// last is now 100: the bid stop at 50 triggers, an ask stop at 50 does not
	_, err = f.execute(taker, stopped, []*crypto.Signer{maker}, []*Order{f.order(maker, Ask, e18(1), e18(100))})
	require.NoError(t, err)

	askStop := f.order(maker, Ask, e18(1), e18(100))
	askStop.StopPrice = e18(50)
	_, err = f.execute(taker, f.order(taker, Bid, e18(1), e18(100)), []*crypto.Signer{maker}, []*Order{askStop})
	assert.ErrorIs(t, err, ErrInvalidStopPrice)
}

func TestAskTakerRejectsUnboundedPrice(t *testing.T) {
	f := newFixture(t)
	taker := f.party(e18(1), big.NewInt(0))
	maker := f.party(big.NewInt(0), e18(1000))

	o := f.order(taker, Ask, e18(1), big.NewInt(0))
	m := f.order(maker, Bid, e18(1), new(big.Int).Set(math.MaxBig256))
	_, err := f.execute(taker, o, []*crypto.Signer{maker}, []*Order{m})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	o = f.order(taker, Ask, e18(1), e18(101))
	m = f.order(maker, Bid, e18(1), e18(100))
	_, err = f.execute(taker, o, []*crypto.Signer{maker}, []*Order{m})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestZeroQuantityWhenTakerExhausted(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	m1 := f.party(e18(5), big.NewInt(0))
	m2 := f.party(e18(5), big.NewInt(0))

	o := f.order(taker, Bid, e18(5), e18(100))
	_, err := f.execute(taker, o, []*crypto.Signer{m1, m2}, []*Order{
		f.order(m1, Ask, e18(5), e18(100)),
		f.order(m2, Ask, e18(5), e18(100)),
	})
	assert.ErrorIs(t, err, ErrZeroQuantity)
	assertAmount(t, big.NewInt(0), f.filled(o))
}

func TestDuplicateMakerCannotOverfill(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))

	o := f.order(taker, Bid, e18(10), e18(100))
	m := f.order(maker, Ask, e18(5), e18(100))
	_, err := f.execute(taker, o, []*crypto.Signer{maker, maker}, []*Order{m, m})
	assert.ErrorIs(t, err, ErrZeroQuantity)
	assertAmount(t, big.NewInt(0), f.filled(m))
}

func TestAmountOverflow(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), big.NewInt(0))
	maker := f.party(big.NewInt(0), big.NewInt(0))

	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	qty := new(big.Int).Lsh(big.NewInt(1), 60)
	_, err := f.execute(taker, f.order(taker, Bid, qty, huge), []*crypto.Signer{maker}, []*Order{f.order(maker, Ask, qty, huge)})
	assert.ErrorIs(t, err, ErrAmountOverflow)
}

func TestQuoteRoundsDown(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1))
	maker := f.party(big.NewInt(1), big.NewInt(0))

	price := big.NewInt(1_500_000_000_000_000_000) // 1.5 quote per base
	receipt, err := f.execute(taker, f.order(taker, Bid, big.NewInt(1), price), []*crypto.Signer{maker}, []*Order{f.order(maker, Ask, big.NewInt(1), price)})
	require.NoError(t, err)
	assertAmount(t, big.NewInt(1), receipt.Legs[0].QuoteQty)
}

func TestValidatorChecks(t *testing.T) {
	f := newFixture(t)
	owner, _ := crypto.GenerateKey()
	v := NewValidator(f.engine.Signer())
	caller := f.executor.Address()

	tests := []struct {
		name   string
		mutate func(o *Order)
		want   error
	}{
		{"nil quantity", func(o *Order) { o.Quantity = nil }, ErrMalformedOrder},
		{"bad side", func(o *Order) { o.Side = 3 }, ErrMalformedOrder},
		{"zero owner", func(o *Order) { o.Owner = common.Address{} }, ErrZeroAddress},
		{"zero executor", func(o *Order) { o.Executor = common.Address{} }, ErrZeroAddress},
		{"expired", func(o *Order) { o.ExpireTimestamp = big.NewInt(testNow.Unix() - 1) }, ErrOrderExpired},
		{"other executor", func(o *Order) { o.Executor = common.HexToAddress("0x01") }, ErrUnauthorizedExecutor},
		{"stop not reached", func(o *Order) { o.StopPrice = big.NewInt(1) }, ErrInvalidStopPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.order(owner, Bid, e18(1), e18(1))
			tt.mutate(o)
			err := f.store.View(f.ctx, func(r storage.Reader) error {
				_, _, err := v.Validate(r, o, nil, caller, big.NewInt(0), testNow.Unix())
				return err
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	o := f.order(owner, Bid, e18(1), e18(1))
	sig := f.sign(owner, o)
	require.NoError(t, f.store.View(f.ctx, func(r storage.Reader) error {
		h, filled, err := v.Validate(r, o, sig, caller, big.NewInt(0), testNow.Unix())
		require.NoError(t, err)
		want, _ := f.engine.HashOrder(o)
		assert.Equal(t, want, h)
		assertAmount(t, big.NewInt(0), filled)
		return nil
	}))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "OrderExpired", ErrorKind(ErrOrderExpired))
	assert.Equal(t, "InsufficientAllowance", ErrorKind(asset.ErrInsufficientAllowance))
	assert.Equal(t, "Internal", ErrorKind(context.Canceled))
	assert.Equal(t, "", ErrorKind(nil))
	assert.True(t, IsRejection(ErrInvalidPrice))
	assert.False(t, IsRejection(context.Canceled))
}

func TestAccessors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "BASE", f.engine.BaseAsset().ID())
	assert.Equal(t, "QUOTE", f.engine.QuoteAsset().ID())

	sep, err := f.engine.DomainSeparator()
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, sep)
	assertAmount(t, big.NewInt(0), f.lastPrice())

	_, err = f.engine.HashOrder(&Order{})
	assert.ErrorIs(t, err, ErrMalformedOrder)
}

func TestNewEngineRejectsSameAsset(t *testing.T) {
	tok := asset.NewToken("X", "X", 18)
	_, err := NewEngine(Config{
		Store:  storage.NewMemStore(),
		Signer: crypto.NewEIP712Signer(crypto.DefaultDomain()),
		Base:   tok,
		Quote:  tok,
	})
	assert.Error(t, err)
}

func TestAddSinkSeesLaterEvents(t *testing.T) {
	f := newFixture(t)
	maker := f.party(e18(10), big.NewInt(0))

	_, err := f.engine.CancelOrder(f.ctx, maker.Address(), f.order(maker, Ask, e18(1), e18(100)))
	require.NoError(t, err)

	late := &recordingSink{}
	f.engine.AddSink(late)

	_, err = f.engine.CancelOrder(f.ctx, maker.Address(), f.order(maker, Ask, e18(2), e18(100)))
	require.NoError(t, err)

	assert.Len(t, f.sink.all(), 2)
	require.Len(t, late.all(), 1)
	assert.Equal(t, "2000000000000000000", late.all()[0].(CancellationEvent).Quantity.String())
}

// blockingSink parks on execution events until released.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Publish(ev Event) {
	if _, ok := ev.(ExecutionEvent); !ok {
		return
	}
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
}

func TestSlowSinkDoesNotHoldEngine(t *testing.T) {
	f := newFixture(t)
	taker := f.party(big.NewInt(0), e18(1000))
	maker := f.party(e18(10), big.NewInt(0))
	other := f.party(e18(1), big.NewInt(0))

	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.engine.AddSink(sink)

	takerOrder := f.order(taker, Bid, e18(10), e18(100))
	makerOrder := f.order(maker, Ask, e18(10), e18(100))
	takerSig := f.sign(taker, takerOrder)
	makerSig := f.sign(maker, makerOrder)
	otherOrder := f.order(other, Ask, e18(1), e18(100))

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(f.ctx, f.executor.Address(), takerOrder, takerSig, []*Order{makerOrder}, [][]byte{makerSig})
		done <- err
	}()

	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the sink")
	}

	// the execution is committed and its sink is stuck; unrelated calls proceed
	cancelled := make(chan error, 1)
	go func() {
		_, err := f.engine.CancelOrder(f.ctx, other.Address(), otherOrder)
		cancelled <- err
	}()
	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(sink.release)
		t.Fatal("cancel blocked behind a slow sink")
	}
	assertAmount(t, e18(10), f.filled(makerOrder))

	close(sink.release)
	require.NoError(t, <-done)
}
