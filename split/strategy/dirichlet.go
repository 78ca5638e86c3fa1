package strategy

import (
	"crypto/rand"
	"math"
	"math/big"
)

// uniformPositive draws a uniform float64 in (0,1), matching
// gsl_rng_uniform_pos's "reject the zero outcome" contract, backed by
// crypto/rand rather than a seeded PRNG (the teacher's own
// pathselect.weightedRandom convention: never use math/rand for
// anything the client ultimately derives routing decisions from).
func uniformPositive() float64 {
	const precision = 1 << 53
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(precision))
		if err != nil {
			// crypto/rand failure is unrecoverable; callers run inside a
			// single-threaded cooperative loop with no good fallback.
			panic(err)
		}
		x := float64(n.Int64()) / precision
		if x > 0 {
			return x
		}
	}
}

// standardGaussian draws a standard-normal sample via Box-Muller,
// substituting for the original's ziggurat sampler (gsl_ran_gaussian_ziggurat)
// — both are valid standard-normal samplers; the ziggurat is a
// performance optimization this implementation does not need.
func standardGaussian() float64 {
	u1 := uniformPositive()
	u2 := uniformPositive()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// gammaSample draws from Gamma(a, 1) via Marsaglia-Tsang, grounded on
// original_source/dirichlet/mydirichlet.c's gsl_ran_gamma.
func gammaSample(a float64) float64 {
	if a < 1 {
		u := uniformPositive()
		return gammaSample(1.0+a) * math.Pow(u, 1.0/a)
	}

	d := a - 1.0/3.0
	c := (1.0 / 3.0) / math.Sqrt(d)

	for {
		var x, v float64
		for {
			x = standardGaussian()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := uniformPositive()

		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// minNormalFloat64 is C's DBL_MIN (smallest positive *normalized*
// double, 2^-1022), distinct from Go's math.SmallestNonzeroFloat64
// (which is the smallest denormalized value).
const minNormalFloat64 = 2.2250738585072014e-308

// sqrtMinFloat64 is the GSL_SQRT_DBL_MIN underflow threshold below which
// the direct gamma-normalization sum can no longer be trusted.
var sqrtMinFloat64 = math.Sqrt(minNormalFloat64)

// Dirichlet draws a theta vector of length K from Dirichlet(alpha),
// normalizing a per-coordinate Gamma(alpha_i, 1) draw. If the gamma sum
// underflows, falls back to the log-space scheme from
// ran_dirichlet_small to avoid a 0/0 result (spec §4.D, grounded on
// mydirichlet.c's ran_dirichlet/ran_dirichlet_small).
func Dirichlet(alpha []float64) []float64 {
	k := len(alpha)
	theta := make([]float64, k)
	norm := 0.0
	for i := range theta {
		theta[i] = gammaSample(alpha[i])
		norm += theta[i]
	}

	if norm < sqrtMinFloat64 {
		return dirichletSmall(alpha)
	}

	for i := range theta {
		theta[i] /= norm
	}
	return theta
}

func dirichletSmall(alpha []float64) []float64 {
	k := len(alpha)
	theta := make([]float64, k)
	umax := 0.0
	for i := range theta {
		u := math.Log(uniformPositive()) / alpha[i]
		theta[i] = u
		if u > umax || i == 0 {
			umax = u
		}
	}
	for i := range theta {
		theta[i] = math.Exp(theta[i] - umax)
	}
	for i := range theta {
		theta[i] *= gammaSample(alpha[i] + 1.0)
	}
	norm := 0.0
	for i := range theta {
		norm += theta[i]
	}
	for i := range theta {
		theta[i] /= norm
	}
	return theta
}
