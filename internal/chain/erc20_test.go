package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/types"
)

var (
	owner   = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	tokenA  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	tokenB  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	tokenC  = common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	eoaAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type fakeToken struct {
	name     string
	symbol   string
	decimals uint8
	balance  *big.Int
	rawName  []byte // overrides name encoding when set
	failOn   string // method that returns an RPC error
}

type fakeBackend struct {
	mu      sync.Mutex
	tokens  map[common.Address]fakeToken
	native  *big.Int
	err     error
	calls   int
	methods map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tokens: map[common.Address]fakeToken{}, methods: map[string]int{}}
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.methods[method.Name]++
	f.mu.Unlock()

	tok, ok := f.tokens[*msg.To]
	if !ok {
		return []byte{}, nil
	}
	if tok.failOn == method.Name {
		return nil, errors.New("execution reverted")
	}

	switch method.Name {
	case "name":
		if tok.rawName != nil {
			return tok.rawName, nil
		}
		return method.Outputs.Pack(tok.name)
	case "symbol":
		return method.Outputs.Pack(tok.symbol)
	case "decimals":
		return method.Outputs.Pack(tok.decimals)
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		if args[0].(common.Address) != owner {
			return method.Outputs.Pack(big.NewInt(0))
		}
		return method.Outputs.Pack(tok.balance)
	}
	return nil, errors.New("unexpected method")
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.native, nil
}

func newTestReader(b Backend) *Reader {
	return NewReader(types.ChainEthereum, b, WithLogger(logging.NewNopLogger()), WithConcurrency(2))
}

func TestGetTokenInfo(t *testing.T) {
	backend := newFakeBackend()
	backend.tokens[tokenA] = fakeToken{name: "USD Coin", symbol: "USDC", decimals: 6, balance: big.NewInt(2_500_000)}
	reader := newTestReader(backend)

	info := reader.GetTokenInfo(context.Background(), tokenA, owner)
	require.NotNil(t, info)
	assert.Equal(t, "USD Coin", info.Name)
	assert.Equal(t, "USDC", info.Symbol)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.Equal(t, "2500000", info.Balance.String())
	assert.Equal(t, tokenA.Hex(), info.Address)

	for _, m := range []string{"name", "symbol", "decimals", "balanceOf"} {
		assert.Equal(t, 1, backend.methods[m], m)
	}
}

func TestGetTokenInfoFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.tokens[tokenB] = fakeToken{name: "Dai", symbol: "DAI", decimals: 18, balance: big.NewInt(1), failOn: "decimals"}
	reader := newTestReader(backend)

	assert.Nil(t, reader.GetTokenInfo(context.Background(), eoaAddr, owner), "account without code")
	assert.Nil(t, reader.GetTokenInfo(context.Background(), tokenB, owner), "one reverted call voids the token")

	backend.err = errors.New("connection refused")
	backend.tokens[tokenA] = fakeToken{name: "A", symbol: "A", decimals: 18, balance: big.NewInt(1)}
	assert.Nil(t, reader.GetTokenInfo(context.Background(), tokenA, owner), "transport error")
}

func TestGetTokenInfoBytes32Name(t *testing.T) {
	raw := make([]byte, 32)
	copy(raw, "Maker")

	backend := newFakeBackend()
	backend.tokens[tokenC] = fakeToken{rawName: raw, symbol: "MKR", decimals: 18, balance: big.NewInt(5)}

	info := newTestReader(backend).GetTokenInfo(context.Background(), tokenC, owner)
	require.NotNil(t, info)
	assert.Equal(t, "Maker", info.Name)
}

func TestGetMultipleBalances(t *testing.T) {
	backend := newFakeBackend()
	backend.tokens[tokenA] = fakeToken{name: "USD Coin", symbol: "USDC", decimals: 6, balance: big.NewInt(10)}
	backend.tokens[tokenB] = fakeToken{name: "Dai", symbol: "DAI", decimals: 18, balance: big.NewInt(0)}
	backend.tokens[tokenC] = fakeToken{name: "Maker", symbol: "MKR", decimals: 18, balance: big.NewInt(7)}
	reader := newTestReader(backend)

	t.Run("failure at index 0 does not suppress later tokens", func(t *testing.T) {
		got := reader.GetMultipleBalances(context.Background(), []common.Address{eoaAddr, tokenA, tokenB, tokenC}, owner)

		require.Len(t, got, 2)
		assert.Equal(t, "USDC", got[0].Symbol)
		assert.Equal(t, "MKR", got[1].Symbol)
	})

	t.Run("order follows input", func(t *testing.T) {
		got := reader.GetMultipleBalances(context.Background(), []common.Address{tokenC, tokenA}, owner)
		require.Len(t, got, 2)
		assert.Equal(t, "MKR", got[0].Symbol)
		assert.Equal(t, "USDC", got[1].Symbol)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, reader.GetMultipleBalances(context.Background(), nil, owner))
	})

	t.Run("zero balance for other owners", func(t *testing.T) {
		other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
		assert.Empty(t, reader.GetMultipleBalances(context.Background(), []common.Address{tokenA, tokenC}, other))
	})
}

func TestNativeBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(42)
	reader := newTestReader(backend)

	bal, err := reader.NativeBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())

	backend.err = errors.New("boom")
	_, err = reader.NativeBalance(context.Background(), owner)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	eth := NewReader(types.ChainEthereum, newFakeBackend(), WithLogger(logging.NewNopLogger()))
	poly := NewReader(types.ChainPolygon, newFakeBackend(), WithLogger(logging.NewNopLogger()))
	reg := NewRegistry(poly, eth)

	assert.Equal(t, []types.ChainID{types.ChainEthereum, types.ChainPolygon}, reg.ChainIDs())
	got, ok := reg.Reader(types.ChainPolygon)
	require.True(t, ok)
	assert.Same(t, poly, got)

	_, ok = reg.Reader(types.ChainBNB)
	assert.False(t, ok)
	reg.Close()
}
