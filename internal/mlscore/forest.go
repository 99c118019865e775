package mlscore

import (
	"math"
	"math/rand"
)

// standardScaler centers and scales features to zero mean, unit variance.
// Constant columns pass through unscaled.
type standardScaler struct {
	mean []float64
	std  []float64
}

func fitScaler(samples [][]float64) *standardScaler {
	dims := len(samples[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)
	n := float64(len(samples))

	for _, row := range samples {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range samples {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
	}
	return &standardScaler{mean: mean, std: std}
}

func (s *standardScaler) transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if s.std[j] > 0 {
			out[j] = (v - s.mean[j]) / s.std[j]
		} else {
			out[j] = v - s.mean[j]
		}
	}
	return out
}

func (s *standardScaler) transformAll(samples [][]float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i, row := range samples {
		out[i] = s.transform(row)
	}
	return out
}

// isolationForest isolates points with random axis-aligned splits and scores
// by average path length. All randomness comes from the seeded source, so a
// fixed seed and training set produce a fixed model.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
	rng        *rand.Rand
}

type isoNode struct {
	leaf  bool
	size  int
	dim   int
	split float64
	left  *isoNode
	right *isoNode
}

func newIsolationForest(numTrees, sampleSize int, seed int64) *isolationForest {
	return &isolationForest{
		trees:      make([]*isoNode, numTrees),
		sampleSize: sampleSize,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (f *isolationForest) fit(data [][]float64) {
	heightLimit := int(math.Ceil(math.Log2(float64(f.sampleSize))))
	for i := range f.trees {
		f.trees[i] = f.buildTree(f.subsample(data), 0, heightLimit)
	}
}

// subsample draws up to sampleSize rows without replacement.
func (f *isolationForest) subsample(data [][]float64) [][]float64 {
	m := f.sampleSize
	if m > len(data) {
		m = len(data)
	}
	idxs := f.rng.Perm(len(data))[:m]
	sample := make([][]float64, m)
	for i, idx := range idxs {
		sample[i] = data[idx]
	}
	return sample
}

func (f *isolationForest) buildTree(data [][]float64, height, limit int) *isoNode {
	if len(data) <= 1 || height >= limit {
		return &isoNode{leaf: true, size: len(data)}
	}
	dim := f.rng.Intn(len(data[0]))
	minV, maxV := data[0][dim], data[0][dim]
	for _, row := range data[1:] {
		if row[dim] < minV {
			minV = row[dim]
		}
		if row[dim] > maxV {
			maxV = row[dim]
		}
	}
	if minV == maxV {
		return &isoNode{leaf: true, size: len(data)}
	}
	split := minV + f.rng.Float64()*(maxV-minV)

	var left, right [][]float64
	for _, row := range data {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{leaf: true, size: len(data)}
	}
	return &isoNode{
		dim:   dim,
		split: split,
		left:  f.buildTree(left, height+1, limit),
		right: f.buildTree(right, height+1, limit),
	}
}

// score returns the canonical anomaly score in (0, 1); values near 1 mean
// the point isolates unusually fast.
func (f *isolationForest) score(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range f.trees {
		sum += isoPathLength(tree, row, 0)
	}
	avg := sum / float64(len(f.trees))
	c := avgPathLength(f.sampleSize)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

func isoPathLength(node *isoNode, row []float64, depth int) float64 {
	if node.leaf {
		if node.size <= 1 {
			return float64(depth)
		}
		return float64(depth) + avgPathLength(node.size)
	}
	if row[node.dim] < node.split {
		return isoPathLength(node.left, row, depth+1)
	}
	return isoPathLength(node.right, row, depth+1)
}

// avgPathLength is the expected unsuccessful-search depth in a BST of n
// nodes, the standard normalizer for isolation forests.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
