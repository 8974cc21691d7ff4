package training

import (
	"math"

	"wms/network"
)

// Optimizer updates network parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step()
	// ZeroGrad clears all gradient accumulators.
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// AdamConfig holds Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the standard Adam settings.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam is the Adam optimizer with optional decoupled-style L2 weight decay
// folded into the gradient.
type Adam struct {
	params []*network.Parameter
	config AdamConfig

	step     uint64
	momentum [][]float64
	variance [][]float64
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params []*network.Parameter, config AdamConfig) *Adam {
	a := &Adam{
		params:   params,
		config:   config,
		momentum: make([][]float64, len(params)),
		variance: make([][]float64, len(params)),
	}
	for i, p := range params {
		a.momentum[i] = make([]float64, len(p.Value.Data))
		a.variance[i] = make([]float64, len(p.Value.Data))
	}
	return a
}

// Step applies one Adam update with bias correction.
func (a *Adam) Step() {
	a.step++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.step))

	for i, p := range a.params {
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.Value.Data {
			g := float64(p.Grad.Data[j])
			if a.config.WeightDecay != 0 {
				g += a.config.WeightDecay * float64(p.Value.Data[j])
			}
			m[j] = a.config.Beta1*m[j] + (1-a.config.Beta1)*g
			v[j] = a.config.Beta2*v[j] + (1-a.config.Beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Value.Data[j] -= float32(a.config.LearningRate * mHat / (math.Sqrt(vHat) + a.config.Epsilon))
		}
	}
}

// ZeroGrad clears every parameter's gradient accumulator.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.Grad.Zero()
	}
}

// GetStepCount returns the number of updates applied.
func (a *Adam) GetStepCount() uint64 { return a.step }

func (a *Adam) GetLR() float64 { return a.config.LearningRate }

func (a *Adam) SetLR(lr float64) { a.config.LearningRate = lr }

// SGD is plain stochastic gradient descent, kept for ablation runs.
type SGD struct {
	params       []*network.Parameter
	learningRate float64
	weightDecay  float64
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*network.Parameter, learningRate, weightDecay float64) *SGD {
	return &SGD{params: params, learningRate: learningRate, weightDecay: weightDecay}
}

func (s *SGD) Step() {
	for _, p := range s.params {
		for j := range p.Value.Data {
			g := float64(p.Grad.Data[j])
			if s.weightDecay != 0 {
				g += s.weightDecay * float64(p.Value.Data[j])
			}
			p.Value.Data[j] -= float32(s.learningRate * g)
		}
	}
}

func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.Grad.Zero()
	}
}

func (s *SGD) GetLR() float64 { return s.learningRate }

func (s *SGD) SetLR(lr float64) { s.learningRate = lr }
