package training

import (
	"fmt"
	"math"

	"wms/tensor"
)

// BCEWithLogitsLoss computes binary cross-entropy directly on logits using
// the numerically stable formulation
//
//	max(z,0) - z*y + log(1 + exp(-|z|))
//
// PosWeight scales the positive-class term; segmentation training runs with
// 1.0 after weighting caused instability.
type BCEWithLogitsLoss struct {
	PosWeight float64
}

// NewBCEWithLogitsLoss returns the loss with unit positive-class weight.
func NewBCEWithLogitsLoss() *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{PosWeight: 1.0}
}

// Forward returns the mean loss over all elements.
func (l *BCEWithLogitsLoss) Forward(logits, targets *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(logits, targets) {
		return 0, fmt.Errorf("loss shape mismatch: logits %v, targets %v", logits.Shape, targets.Shape)
	}
	if len(logits.Data) == 0 {
		return 0, fmt.Errorf("loss over empty tensor")
	}

	sum := 0.0
	for i, zf := range logits.Data {
		z := float64(zf)
		y := float64(targets.Data[i])
		stable := math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		if l.PosWeight != 1.0 {
			// pos_weight scales only the -y*log(sigmoid(z)) term.
			logSig := -(math.Max(z, 0) - z + math.Log1p(math.Exp(-math.Abs(z))))
			log1mSig := -(math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z))))
			stable = -(l.PosWeight*y*logSig + (1-y)*log1mSig)
		}
		sum += stable
	}
	return sum / float64(len(logits.Data)), nil
}

// Gradient returns dL/dlogits for the mean loss. With unit positive weight
// this is (sigmoid(z) - y) / n.
func (l *BCEWithLogitsLoss) Gradient(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(logits, targets) {
		return nil, fmt.Errorf("loss shape mismatch: logits %v, targets %v", logits.Shape, targets.Shape)
	}

	grad, err := tensor.New(logits.Shape...)
	if err != nil {
		return nil, err
	}
	n := float64(len(logits.Data))
	for i, zf := range logits.Data {
		z := float64(zf)
		y := float64(targets.Data[i])
		s := sigmoid(z)
		g := s - y
		if l.PosWeight != 1.0 {
			g = s*(l.PosWeight*y+1-y) - l.PosWeight*y
		}
		grad.Data[i] = float32(g / n)
	}
	return grad, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
