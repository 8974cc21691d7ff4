package training

import (
	"math"
	"testing"

	"wms/tensor"
)

func tensorOf(t *testing.T, data []float32, shape ...int) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.FromSlice(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return tt
}

func TestBCELossKnownValues(t *testing.T) {
	loss := NewBCEWithLogitsLoss()

	// logit 0 gives -log(0.5) regardless of the target.
	logits := tensorOf(t, []float32{0, 0}, 2)
	targets := tensorOf(t, []float32{0, 1}, 2)
	got, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(2)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("loss: got %f, want %f", got, want)
	}
}

func TestBCELossConfidentCorrectIsSmall(t *testing.T) {
	loss := NewBCEWithLogitsLoss()
	logits := tensorOf(t, []float32{10, -10}, 2)
	targets := tensorOf(t, []float32{1, 0}, 2)
	got, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	if got > 1e-3 {
		t.Errorf("confident correct predictions should give near-zero loss, got %f", got)
	}
}

func TestBCELossStableForLargeLogits(t *testing.T) {
	loss := NewBCEWithLogitsLoss()
	logits := tensorOf(t, []float32{500, -500}, 2)
	targets := tensorOf(t, []float32{0, 1}, 2)
	got, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("loss overflowed: %f", got)
	}
	// Both predictions are maximally wrong: loss per element is about |z|.
	if got < 400 {
		t.Errorf("loss unexpectedly small for wrong confident predictions: %f", got)
	}
}

func TestBCEGradientIsSigmoidMinusTarget(t *testing.T) {
	loss := NewBCEWithLogitsLoss()
	logits := tensorOf(t, []float32{0, 2, -2, 1}, 4)
	targets := tensorOf(t, []float32{0, 1, 0, 1}, 4)

	grad, err := loss.Gradient(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	n := float64(len(logits.Data))
	for i := range logits.Data {
		want := (sigmoid(float64(logits.Data[i])) - float64(targets.Data[i])) / n
		if math.Abs(float64(grad.Data[i])-want) > 1e-6 {
			t.Errorf("grad[%d]: got %f, want %f", i, grad.Data[i], want)
		}
	}
}

func TestBCEGradientMatchesFiniteDifference(t *testing.T) {
	loss := NewBCEWithLogitsLoss()
	logits := tensorOf(t, []float32{0.5, -1.2, 3.0}, 3)
	targets := tensorOf(t, []float32{1, 0, 1}, 3)

	grad, err := loss.Gradient(logits, targets)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-3
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + eps
		up, _ := loss.Forward(logits, targets)
		logits.Data[i] = orig - eps
		down, _ := loss.Forward(logits, targets)
		logits.Data[i] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-float64(grad.Data[i])) > 1e-4 {
			t.Errorf("grad[%d]: analytic %f vs numeric %f", i, grad.Data[i], numeric)
		}
	}
}

func TestBCEShapeMismatch(t *testing.T) {
	loss := NewBCEWithLogitsLoss()
	logits := tensorOf(t, []float32{0, 0}, 2)
	targets := tensorOf(t, []float32{0, 0, 0}, 3)
	if _, err := loss.Forward(logits, targets); err == nil {
		t.Error("expected shape mismatch error")
	}
	if _, err := loss.Gradient(logits, targets); err == nil {
		t.Error("expected shape mismatch error")
	}
}
