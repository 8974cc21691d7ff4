// Package network defines the model contract the training loop and the
// inference adapter depend on, plus a compact trainable encoder-decoder
// topology. The orchestration treats any Network as a black box mapping an
// N×3×H×W batch to N×1×H×W logits; swapping in a larger topology changes
// nothing outside this package.
package network

import (
	"wms/tensor"
)

// Parameter is one named weight tensor with its gradient accumulator.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Network is the opaque model boundary.
type Network interface {
	// Forward maps an N×C×H×W input batch to N×1×H×W logits.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients from the loss gradient with
	// respect to the logits of the most recent Forward call.
	Backward(gradLogits *tensor.Tensor) error
	// Parameters exposes all trainable weights for the optimizer and for
	// checkpointing.
	Parameters() []*Parameter
	Train()
	Eval()
}
