// Package mlscore models anomaly scoring as an optional capability. Monitors
// hold a Provider; when it abstains they fall back to rule-based scoring, so
// an absent or untrained model is a normal state rather than an error path.
package mlscore

import (
	"errors"
	"math"
	"sort"
)

// Provider scores a feature vector on a 0-100 scale where higher means more
// anomalous. ok is false when the provider abstains (untrained, dimension
// mismatch) and the caller should proceed without an ML contribution.
type Provider interface {
	Score(features []float64) (score float64, ok bool)
	Trained() bool
}

// Nop is the default Provider: it never scores.
type Nop struct{}

func (Nop) Score([]float64) (float64, bool) { return 0, false }
func (Nop) Trained() bool                   { return false }

var _ Provider = Nop{}

// ErrTooFewSamples reports a training set below the minimum size.
var ErrTooFewSamples = errors.New("mlscore: too few samples to train")

// DetectorOptions tunes the isolation-forest Detector. Zero values take the
// defaults listed on each field.
type DetectorOptions struct {
	// Trees is the ensemble size. Default 100.
	Trees int
	// SampleSize caps the per-tree subsample. Default 256.
	SampleSize int
	// Contamination is the expected anomaly share used to place the
	// decision threshold. Default 0.05.
	Contamination float64
	// Seed drives all sampling and splits. Fixed default 42 so identical
	// training data always yields an identical model.
	Seed int64
	// MinTrainSamples is the smallest training set Fit accepts and the
	// point at which Observe first trains. Default 10.
	MinTrainSamples int
	// RefitEvery retrains after this many observations since the last
	// fit. Default 50. Counted in inputs, not wall time, so replaying a
	// stream reproduces the same models.
	RefitEvery int
}

func (o DetectorOptions) withDefaults() DetectorOptions {
	if o.Trees <= 0 {
		o.Trees = 100
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 256
	}
	if o.Contamination <= 0 || o.Contamination >= 1 {
		o.Contamination = 0.05
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	if o.MinTrainSamples <= 0 {
		o.MinTrainSamples = 10
	}
	if o.RefitEvery <= 0 {
		o.RefitEvery = 50
	}
	return o
}

// Detector is an isolation-forest Provider with standard scaling and a
// contamination-quantile decision threshold. It is not internally
// synchronized; the owning monitor drives it from a single caller.
type Detector struct {
	opts   DetectorOptions
	scaler *standardScaler
	forest *isolationForest

	trained   bool
	dims      int
	threshold float64

	buffer    [][]float64
	sinceFit  int
	bufferCap int
}

// NewDetector builds an untrained Detector.
func NewDetector(opts DetectorOptions) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		opts:      opts,
		bufferCap: opts.SampleSize * 4,
	}
}

var _ Provider = (*Detector)(nil)

// Trained reports whether Fit has succeeded at least once.
func (d *Detector) Trained() bool { return d.trained }

// Threshold returns the fitted decision threshold on the 0-100 scale. Zero
// until trained.
func (d *Detector) Threshold() float64 { return d.threshold }

// Fit trains scaler and forest on the sample matrix. Rows must share one
// dimensionality; non-finite cells are zeroed the same way scoring zeroes
// them.
func (d *Detector) Fit(samples [][]float64) error {
	if len(samples) < d.opts.MinTrainSamples {
		return ErrTooFewSamples
	}
	dims := len(samples[0])
	if dims == 0 {
		return errors.New("mlscore: empty feature vector")
	}
	clean := make([][]float64, len(samples))
	for i, row := range samples {
		if len(row) != dims {
			return errors.New("mlscore: inconsistent feature dimensions")
		}
		clean[i] = sanitize(row)
	}

	scaler := fitScaler(clean)
	scaled := scaler.transformAll(clean)

	forest := newIsolationForest(d.opts.Trees, d.opts.SampleSize, d.opts.Seed)
	forest.fit(scaled)

	d.scaler = scaler
	d.forest = forest
	d.dims = dims
	d.trained = true
	d.sinceFit = 0
	d.threshold = d.fitThreshold(scaled)
	return nil
}

// fitThreshold places the decision boundary at the (1-contamination)
// quantile of training scores.
func (d *Detector) fitThreshold(scaled [][]float64) float64 {
	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = d.forest.score(row) * 100
	}
	sort.Float64s(scores)
	idx := int(math.Ceil(float64(len(scores))*(1-d.opts.Contamination))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// Observe buffers a feature vector and retrains on a fixed input cadence:
// first once the buffer reaches MinTrainSamples, then every RefitEvery
// observations. Training failures leave the previous model in place.
func (d *Detector) Observe(features []float64) {
	row := sanitize(features)
	if len(d.buffer) >= d.bufferCap {
		d.buffer = d.buffer[1:]
	}
	d.buffer = append(d.buffer, row)
	d.sinceFit++

	switch {
	case !d.trained && len(d.buffer) >= d.opts.MinTrainSamples:
		_ = d.Fit(d.buffer)
	case d.trained && d.sinceFit >= d.opts.RefitEvery:
		_ = d.Fit(d.buffer)
	}
}

// Score returns the anomaly score for the vector, abstaining when untrained
// or when the vector's dimensionality differs from the training set.
func (d *Detector) Score(features []float64) (float64, bool) {
	if !d.trained || len(features) != d.dims {
		return 0, false
	}
	scaled := d.scaler.transform(sanitize(features))
	return d.forest.score(scaled) * 100, true
}

// Anomalous reports whether the vector scores above the contamination
// threshold fitted during training.
func (d *Detector) Anomalous(features []float64) bool {
	score, ok := d.Score(features)
	return ok && score > d.threshold
}

// BufferLen reports how many observations the online buffer holds.
func (d *Detector) BufferLen() int { return len(d.buffer) }

func sanitize(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i] = v
	}
	return out
}
