package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldFailover(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("dial tcp: lookup rpc.example: no such host"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("execution reverted"), false},
		{errors.New("abi: cannot marshal in to go type"), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldFailover(tt.err))
		})
	}
}

func TestFailoverBackendSwitchesWithoutRetrying(t *testing.T) {
	primary := newFakeBackend()
	primary.err = errors.New("503 Service Unavailable")
	secondary := newFakeBackend()
	secondary.native = big.NewInt(9)

	fb := NewFailoverBackend(primary, secondary)
	ctx := context.Background()

	_, err := fb.BalanceAt(ctx, owner, nil)
	require.Error(t, err, "the failing call is not repeated")
	assert.Equal(t, "endpoint-1", fb.Current())

	bal, err := fb.BalanceAt(ctx, owner, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal.Int64())
}

func TestFailoverBackendKeepsEndpointOnContractErrors(t *testing.T) {
	primary := newFakeBackend()
	secondary := newFakeBackend()
	fb := NewFailoverBackend(primary, secondary)

	reader := newTestReader(fb)
	assert.Nil(t, reader.GetTokenInfo(context.Background(), eoaAddr, owner))
	assert.Equal(t, "endpoint-0", fb.Current())
	assert.Zero(t, secondary.calls)
}

func TestDialRequiresPrimary(t *testing.T) {
	_, err := Dial(context.Background(), "", "http://localhost:8545")
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://eth-mainnet.g.alchemy.com", redactURL("https://eth-mainnet.g.alchemy.com/v2/secret"))
	assert.Equal(t, "http://localhost:8545", redactURL("http://localhost:8545"))
	assert.Equal(t, "wss://node.example", redactURL("wss://node.example?key=abc"))
}
