// Package forest implements a small random-forest binary classifier: CART
// trees grown on bootstrap samples with per-split feature subsampling, and
// predictions averaged across trees. Training is deterministic for a seed.
package forest

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Config controls forest training.
type Config struct {
	NEstimators    int
	MaxDepth       int
	MinSamplesLeaf int
	// MaxFeatures is the number of features tried per split; 0 means
	// round(sqrt(n_features)).
	MaxFeatures int
	Seed        uint64
}

// Forest is a trained ensemble.
type Forest struct {
	trees     []*node
	nFeatures int
}

type node struct {
	feature   int
	threshold float64
	left      *node
	right     *node
	prob      float64 // fraction of positive labels; leaves only
	leaf      bool
}

// ErrNoData is returned when training data is empty or inconsistent.
var ErrNoData = errors.New("forest: empty or inconsistent training data")

// Fit trains a forest on rows X with binary labels y (0 or 1). Trees are
// grown concurrently; each tree draws from its own seeded source so the
// result does not depend on scheduling.
func Fit(ctx context.Context, X [][]float64, y []int, cfg Config) (*Forest, error) {
	if len(X) == 0 || len(X) != len(y) || len(X[0]) == 0 {
		return nil, ErrNoData
	}
	nf := len(X[0])
	for _, row := range X {
		if len(row) != nf {
			return nil, ErrNoData
		}
	}
	if cfg.NEstimators <= 0 {
		cfg.NEstimators = 100
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 1
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > nf {
		cfg.MaxFeatures = max(1, int(math.Round(math.Sqrt(float64(nf)))))
	}

	f := &Forest{trees: make([]*node, cfg.NEstimators), nFeatures: nf}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := range cfg.NEstimators {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(t)+1))
			idx := make([]int, len(X))
			for i := range idx {
				idx[i] = rng.IntN(len(X))
			}
			b := builder{X: X, y: y, cfg: cfg, rng: rng}
			f.trees[t] = b.grow(idx, 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// Proba returns the mean positive-class probability across trees.
func (f *Forest) Proba(x []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		n := t
		for !n.leaf {
			if x[n.feature] <= n.threshold {
				n = n.left
			} else {
				n = n.right
			}
		}
		sum += n.prob
	}
	return sum / float64(len(f.trees))
}

// Predict returns 1 when Proba exceeds one half, else 0.
func (f *Forest) Predict(x []float64) int {
	if f.Proba(x) > 0.5 {
		return 1
	}
	return 0
}

// PredictAll applies Predict to every row.
func (f *Forest) PredictAll(X [][]float64) []int {
	out := make([]int, len(X))
	for i, row := range X {
		out[i] = f.Predict(row)
	}
	return out
}

// Accuracy returns the fraction of pred equal to y, or 0 for empty input.
func Accuracy(pred, y []int) float64 {
	if len(pred) == 0 || len(pred) != len(y) {
		return 0
	}
	hit := 0
	for i := range pred {
		if pred[i] == y[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(pred))
}

type builder struct {
	X   [][]float64
	y   []int
	cfg Config
	rng *rand.Rand
}

func (b *builder) leaf(idx []int) *node {
	pos := 0
	for _, i := range idx {
		pos += b.y[i]
	}
	return &node{leaf: true, prob: float64(pos) / float64(len(idx))}
}

func (b *builder) grow(idx []int, depth int) *node {
	pos := 0
	for _, i := range idx {
		pos += b.y[i]
	}
	pure := pos == 0 || pos == len(idx)
	if pure || len(idx) < 2*b.cfg.MinSamplesLeaf || (b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth) {
		return b.leaf(idx)
	}

	feature, threshold, ok := b.bestSplit(idx, pos)
	if !ok {
		return b.leaf(idx)
	}
	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &node{
		feature:   feature,
		threshold: threshold,
		left:      b.grow(left, depth+1),
		right:     b.grow(right, depth+1),
	}
}

// bestSplit scans a random subset of features for the threshold with the
// lowest weighted Gini impurity that leaves MinSamplesLeaf rows per side.
func (b *builder) bestSplit(idx []int, pos int) (int, float64, bool) {
	nf := len(b.X[0])
	features := b.rng.Perm(nf)[:b.cfg.MaxFeatures]
	n := float64(len(idx))
	best := gini(pos, len(idx))
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, len(idx))
	for _, f := range features {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		leftPos := 0
		for k := 0; k < len(sorted)-1; k++ {
			leftPos += b.y[sorted[k]]
			nl := k + 1
			nr := len(sorted) - nl
			if nl < b.cfg.MinSamplesLeaf || nr < b.cfg.MinSamplesLeaf {
				continue
			}
			lo, hi := b.X[sorted[k]][f], b.X[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			score := (float64(nl)*gini(leftPos, nl) + float64(nr)*gini(pos-leftPos, nr)) / n
			if score < best-1e-12 {
				best = score
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}
