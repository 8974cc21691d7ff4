// Package predict adapts a trained network for single-image inference:
// deterministic preprocessing, forward pass, sigmoid threshold, and an 8-bit
// mask image out.
package predict

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"

	"wms/checkpoints"
	"wms/network"
	"wms/tensor"
	"wms/transforms"
)

// Predictor runs inference over a shared read-only model. The forward pass
// mutates internal activation caches, so it is serialized with a mutex;
// preprocessing and encoding run unlocked.
type Predictor struct {
	mu  sync.Mutex
	net network.Network
	pre *transforms.Preprocess
}

// New creates a predictor over an already-loaded network.
func New(net network.Network, pre *transforms.Preprocess) *Predictor {
	if pre == nil {
		pre = transforms.DefaultPreprocess()
	}
	net.Eval()
	return &Predictor{net: net, pre: pre}
}

// Load restores a checkpoint into a fresh network and wraps it.
func Load(path string, newNetwork func() network.Network, pre *transforms.Preprocess) (*Predictor, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	net := newNetwork()
	if err := ckpt.Restore(net); err != nil {
		return nil, fmt.Errorf("restoring model: %w", err)
	}
	return New(net, pre), nil
}

// InputSize returns the square resolution the model consumes.
func (p *Predictor) InputSize() int {
	return p.pre.TargetSize
}

// Predict segments one photo and returns a 0/255 grayscale mask at the
// model's working resolution.
func (p *Predictor) Predict(img image.Image) (*image.Gray, error) {
	input, err := p.pre.Image(img)
	if err != nil {
		return nil, fmt.Errorf("preprocessing: %w", err)
	}

	batch, err := tensor.New(1, input.Dim(0), input.Dim(1), input.Dim(2))
	if err != nil {
		return nil, err
	}
	copy(batch.Data, input.Data)

	p.mu.Lock()
	logits, err := p.net.Forward(batch)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	size := p.pre.TargetSize
	mask := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// sigmoid(z) > 0.5 iff z > 0
			if logits.Data[y*size+x] > 0 {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}
	return mask, nil
}

// EncodeMaskBase64 renders the mask as a base64 PNG for JSON transport.
func EncodeMaskBase64(mask *image.Gray) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, mask); err != nil {
		return "", fmt.Errorf("encoding mask: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
