package puzzle

import "math/big"

// Solve computes a^(2^t) mod n by t sequential squarings. It is the work an
// honest client performs and has no shortcut without the factors of n.
func Solve(n, a *big.Int, t uint64) *big.Int {
	x := new(big.Int).Set(a)
	for i := uint64(0); i < t; i++ {
		x.Mul(x, x)
		x.Mod(x, n)
	}
	return x
}
