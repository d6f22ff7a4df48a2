package plugins

import (
	"math/big"
	"sort"
)

// Distribute splits total across positive weights using the
// largest-remainder method with exact integer arithmetic. Each share starts
// at floor(total*w_i/W); the remainder is handed out one unit at a time to
// the entries with the largest (total*w_i) mod W, ties broken by input
// order. The result always sums exactly to total. Zero-weight entries
// receive nothing.
func Distribute(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}
	sum := big.NewInt(0)
	for _, w := range weights {
		if w > 0 {
			sum.Add(sum, big.NewInt(w))
		}
	}
	if sum.Sign() == 0 {
		return shares
	}

	totalBig := big.NewInt(total)
	remaining := total
	type fraction struct {
		index int
		rem   *big.Int
	}
	fractions := make([]fraction, 0, len(weights))
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		product := new(big.Int).Mul(totalBig, big.NewInt(w))
		quo, rem := new(big.Int).QuoRem(product, sum, new(big.Int))
		shares[i] = quo.Int64()
		remaining -= shares[i]
		fractions = append(fractions, fraction{index: i, rem: rem})
	}
	sort.SliceStable(fractions, func(a, b int) bool {
		return fractions[a].rem.Cmp(fractions[b].rem) > 0
	})
	for i := 0; remaining > 0 && i < len(fractions); i++ {
		shares[fractions[i].index]++
		remaining--
	}
	return shares
}
