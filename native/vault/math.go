package vault

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	// maxRatioBps is reported for accounts with no outstanding debt; they are
	// infinitely safe by definition.
	maxRatioBps = mustBigInt("340282366920938463463374607431768211455")
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rayMul multiplies two ray-scaled values, flooring toward zero.
func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, ray)
}

// scaledFromUnderlying converts an underlying amount to index-scaled units,
// rounding debt up so dust can never be borrowed for free.
func scaledFromUnderlying(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, new(big.Int).Sub(index, big.NewInt(1)))
	return scaled.Quo(scaled, index)
}

// underlyingFromScaled converts index-scaled units back to underlying,
// flooring toward zero.
func underlyingFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	actual := new(big.Int).Mul(scaled, index)
	return actual.Quo(actual, ray)
}

// accrueIndex advances a ray index by a simple annualised bps rate over the
// elapsed seconds.
func accrueIndex(index *big.Int, rateBps uint64, elapsed uint64) *big.Int {
	if index == nil || index.Sign() == 0 {
		index = ray
	}
	if rateBps == 0 || elapsed == 0 {
		return new(big.Int).Set(index)
	}
	// factor = 1 + rate*elapsed/year, in ray.
	growth := new(big.Int).SetUint64(rateBps)
	growth.Mul(growth, new(big.Int).SetUint64(elapsed))
	growth.Mul(growth, ray)
	growth.Quo(growth, basisPoints)
	growth.Quo(growth, big.NewInt(secondsPerYear))
	factor := new(big.Int).Add(ray, growth)
	return rayMul(index, factor)
}

// bpsShare returns amount*bps/10_000, flooring toward zero.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

func bigZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
