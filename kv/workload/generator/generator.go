package generator

import (
	"math"
	"math/rand"
)

// ZipfianConstant is the default skew of Zipfian.
const ZipfianConstant = float64(0.99)

// Generator draws integers from a distribution. Implementations keep no per call state, so one generator can be
// shared by clients that each own their *rand.Rand.
type Generator interface {
	Next(r *rand.Rand) int64
}

// Uniform generates integers in [lb, ub] with equal probability.
type Uniform struct {
	lb       int64
	interval int64
}

func NewUniform(lb int64, ub int64) *Uniform {
	return &Uniform{lb: lb, interval: ub - lb + 1}
}

func (u *Uniform) Next(r *rand.Rand) int64 {
	return r.Int63n(u.interval) + u.lb
}

// Zipfian generates integers in [min, max] such that min is the most popular item, min+1 the second most popular
// and so on. The algorithm is from "Quickly Generating Billion-Record Synthetic Databases", Jim Gray et al, SIGMOD
// 1994.
//
// Building a Zipfian sums a sequence over all items, which is slow for item counts in the hundreds of millions.
type Zipfian struct {
	items int64
	base  int64

	theta      float64
	alpha      float64
	zetan      float64
	eta        float64
	zeta2Theta float64
}

func NewZipfianWithItems(items int64, zipfianConstant float64) *Zipfian {
	return NewZipfianWithRange(0, items-1, zipfianConstant)
}

func NewZipfianWithRange(min int64, max int64, zipfianConstant float64) *Zipfian {
	items := max - min + 1
	z := &Zipfian{
		items: items,
		base:  min,
		theta: zipfianConstant,
	}
	z.zeta2Theta = zeta(0, 2, z.theta, 0)
	z.alpha = 1.0 / (1.0 - z.theta)
	z.zetan = zeta(0, items, z.theta, 0)
	z.eta = (1 - math.Pow(2.0/float64(items), 1-z.theta)) / (1 - z.zeta2Theta/z.zetan)
	return z
}

func zeta(st int64, n int64, theta float64, initialSum float64) float64 {
	sum := initialSum
	for i := st; i < n; i++ {
		sum += 1 / math.Pow(float64(i+1), theta)
	}
	return sum
}

func (z *Zipfian) Next(r *rand.Rand) int64 {
	u := r.Float64()
	uz := u * z.zetan

	if uz < 1.0 {
		return z.base
	}
	if uz < 1.0+math.Pow(0.5, z.theta) {
		return z.base + 1
	}

	ret := z.base + int64(float64(z.items)*math.Pow(z.eta*u-z.eta+1, z.alpha))
	// Rounding can overshoot by one on tiny item counts.
	if ret >= z.base+z.items {
		ret = z.base + z.items - 1
	}
	return ret
}

// New returns a zipfian generator over [min, max] for a positive skew and a uniform one otherwise.
func New(min, max int64, skew float64) Generator {
	if skew > 0 && max > min {
		return NewZipfianWithRange(min, max, skew)
	}
	return NewUniform(min, max)
}
