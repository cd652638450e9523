package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Property: the portfolio total equals the sum of price * balance, with
// unpriced tokens contributing nothing.
func TestTotalValueProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("total is the sum of price times balance", prop.ForAll(
		func(balances []int64, prices []int64) bool {
			tokens := make([]Token, len(balances))
			want := decimal.Zero
			for i, b := range balances {
				tokens[i] = Token{Balance: decimal.New(b, -4)}
				if i < len(prices) {
					price := decimal.New(prices[i], -2)
					tokens[i] = tokens[i].WithPrice(price)
					want = want.Add(price.Mul(decimal.New(b, -4)))
				}
			}
			return TotalValue(tokens).Equal(want)
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000_000)),
		gen.SliceOf(gen.Int64Range(0, 10_000_000)),
	))

	properties.TestingRun(t)
}
