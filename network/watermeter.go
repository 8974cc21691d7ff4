package network

import (
	"fmt"
	"math"
	"math/rand"

	"wms/tensor"
)

// WaterMeterNet is a compact encoder-decoder for dial localization:
// a 3×3 conv encoder, a 2× downsampled 3×3 bottleneck, nearest-neighbor
// upsampling back to full resolution with an additive skip connection, and a
// 1×1 logit head. Input spatial dimensions must be even.
type WaterMeterNet struct {
	inChannels  int
	baseFilters int

	convW1, convB1 *Parameter // 3×3, in -> baseFilters
	convW2, convB2 *Parameter // 3×3, baseFilters -> baseFilters at half resolution
	headW, headB   *Parameter // 1×1, baseFilters -> 1

	training bool

	// Forward-pass cache consumed by Backward.
	cache struct {
		input  *tensor.Tensor
		pre1   []float32 // conv1 pre-activation
		act1   []float32
		pooled []float32
		pre2   []float32
		act2   []float32
		fused  []float32 // upsampled bottleneck + skip
		n      int
		h, w   int
	}
}

// NewWaterMeterNet builds the topology with weights initialized from seed.
func NewWaterMeterNet(inChannels, baseFilters int, seed int64) *WaterMeterNet {
	rng := rand.New(rand.NewSource(seed))

	net := &WaterMeterNet{
		inChannels:  inChannels,
		baseFilters: baseFilters,
		training:    true,
	}
	net.convW1 = newParameter("encoder.conv1.weight", rng, baseFilters*inChannels*9, inChannels*9)
	net.convB1 = newParameter("encoder.conv1.bias", nil, baseFilters, 0)
	net.convW2 = newParameter("bottleneck.conv2.weight", rng, baseFilters*baseFilters*9, baseFilters*9)
	net.convB2 = newParameter("bottleneck.conv2.bias", nil, baseFilters, 0)
	net.headW = newParameter("head.weight", rng, baseFilters, baseFilters)
	net.headB = newParameter("head.bias", nil, 1, 0)
	return net
}

// newParameter allocates a flat parameter. When rng is non-nil, values are
// drawn from a scaled uniform distribution (He-style fan-in scaling);
// otherwise they stay zero (biases).
func newParameter(name string, rng *rand.Rand, size, fanIn int) *Parameter {
	value, _ := tensor.FromSlice(make([]float32, size), size)
	grad, _ := tensor.FromSlice(make([]float32, size), size)
	if rng != nil {
		bound := float32(math.Sqrt(2.0 / float64(fanIn)))
		for i := range value.Data {
			value.Data[i] = (rng.Float32()*2 - 1) * bound
		}
	}
	return &Parameter{Name: name, Value: value, Grad: grad}
}

func (n *WaterMeterNet) Parameters() []*Parameter {
	return []*Parameter{n.convW1, n.convB1, n.convW2, n.convB2, n.headW, n.headB}
}

func (n *WaterMeterNet) Train() { n.training = true }
func (n *WaterMeterNet) Eval()  { n.training = false }

// Forward computes logits for an N×C×H×W batch.
func (n *WaterMeterNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D NCHW input, got shape %v", x.Shape)
	}
	batch, cin, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if cin != n.inChannels {
		return nil, fmt.Errorf("expected %d input channels, got %d", n.inChannels, cin)
	}
	if h%2 != 0 || w%2 != 0 {
		return nil, fmt.Errorf("input spatial dimensions must be even, got %dx%d", h, w)
	}
	f := n.baseFilters

	pre1 := conv3x3Forward(x.Data, batch, cin, h, w, n.convW1.Value.Data, n.convB1.Value.Data, f)
	act1 := relu(pre1)
	pooled := avgPool2(act1, batch, f, h, w)
	pre2 := conv3x3Forward(pooled, batch, f, h/2, w/2, n.convW2.Value.Data, n.convB2.Value.Data, f)
	act2 := relu(pre2)
	up := upsample2(act2, batch, f, h/2, w/2)

	fused := make([]float32, len(act1))
	for i := range fused {
		fused[i] = act1[i] + up[i]
	}

	logits := make([]float32, batch*h*w)
	headW := n.headW.Value.Data
	headB := n.headB.Value.Data[0]
	plane := h * w
	for b := 0; b < batch; b++ {
		for i := 0; i < plane; i++ {
			sum := headB
			for k := 0; k < f; k++ {
				sum += headW[k] * fused[(b*f+k)*plane+i]
			}
			logits[b*plane+i] = sum
		}
	}

	n.cache.input = x
	n.cache.pre1 = pre1
	n.cache.act1 = act1
	n.cache.pooled = pooled
	n.cache.pre2 = pre2
	n.cache.act2 = act2
	n.cache.fused = fused
	n.cache.n = batch
	n.cache.h = h
	n.cache.w = w

	return tensor.FromSlice(logits, batch, 1, h, w)
}

// Backward accumulates gradients for all parameters from the loss gradient
// with respect to the logits of the last Forward call.
func (n *WaterMeterNet) Backward(gradLogits *tensor.Tensor) error {
	if n.cache.input == nil {
		return fmt.Errorf("backward called before forward")
	}
	batch, h, w := n.cache.n, n.cache.h, n.cache.w
	f := n.baseFilters
	plane := h * w
	if gradLogits.NumElements() != batch*plane {
		return fmt.Errorf("logit gradient shape %v does not match forward batch", gradLogits.Shape)
	}
	g := gradLogits.Data

	// Head: logits[b,i] = headB + Σ_k headW[k]*fused[b,k,i]
	gradFused := make([]float32, len(n.cache.fused))
	headW := n.headW.Value.Data
	for b := 0; b < batch; b++ {
		for i := 0; i < plane; i++ {
			gi := g[b*plane+i]
			n.headB.Grad.Data[0] += gi
			for k := 0; k < f; k++ {
				idx := (b*f+k)*plane + i
				n.headW.Grad.Data[k] += gi * n.cache.fused[idx]
				gradFused[idx] = headW[k] * gi
			}
		}
	}

	// fused = act1 + upsample(act2): the gradient flows to both branches.
	gradUp := gradFused
	gradAct2 := downsampleSum(gradUp, batch, f, h/2, w/2)
	gradPre2 := reluBackward(gradAct2, n.cache.pre2)

	gradPooled := conv3x3Backward(
		n.cache.pooled, gradPre2, batch, f, h/2, w/2, f,
		n.convW2.Value.Data, n.convW2.Grad.Data, n.convB2.Grad.Data, true,
	)

	gradAct1 := avgPool2Backward(gradPooled, batch, f, h, w)
	for i := range gradAct1 {
		gradAct1[i] += gradFused[i] // skip connection
	}
	gradPre1 := reluBackward(gradAct1, n.cache.pre1)

	conv3x3Backward(
		n.cache.input.Data, gradPre1, batch, n.inChannels, h, w, f,
		n.convW1.Value.Data, n.convW1.Grad.Data, n.convB1.Grad.Data, false,
	)
	return nil
}

func relu(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

func reluBackward(grad, pre []float32) []float32 {
	out := make([]float32, len(grad))
	for i := range grad {
		if pre[i] > 0 {
			out[i] = grad[i]
		}
	}
	return out
}

// conv3x3Forward computes a same-padded 3×3 convolution.
// weight layout: [cout][cin][3][3].
func conv3x3Forward(x []float32, n, cin, h, w int, weight, bias []float32, cout int) []float32 {
	out := make([]float32, n*cout*h*w)
	plane := h * w
	for b := 0; b < n; b++ {
		for k := 0; k < cout; k++ {
			base := (b*cout + k) * plane
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					sum := bias[k]
					for c := 0; c < cin; c++ {
						inBase := (b*cin + c) * plane
						wBase := (k*cin + c) * 9
						for dy := -1; dy <= 1; dy++ {
							yy := y + dy
							if yy < 0 || yy >= h {
								continue
							}
							for dx := -1; dx <= 1; dx++ {
								xs := xx + dx
								if xs < 0 || xs >= w {
									continue
								}
								sum += weight[wBase+(dy+1)*3+(dx+1)] * x[inBase+yy*w+xs]
							}
						}
					}
					out[base+y*w+xx] = sum
				}
			}
		}
	}
	return out
}

// conv3x3Backward accumulates weight and bias gradients and, when
// computeGradIn is set, returns the gradient with respect to the input.
func conv3x3Backward(x, gradOut []float32, n, cin, h, w, cout int, weight, gradW, gradB []float32, computeGradIn bool) []float32 {
	plane := h * w
	var gradIn []float32
	if computeGradIn {
		gradIn = make([]float32, n*cin*plane)
	}
	for b := 0; b < n; b++ {
		for k := 0; k < cout; k++ {
			outBase := (b*cout + k) * plane
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					gv := gradOut[outBase+y*w+xx]
					if gv == 0 {
						continue
					}
					gradB[k] += gv
					for c := 0; c < cin; c++ {
						inBase := (b*cin + c) * plane
						wBase := (k*cin + c) * 9
						for dy := -1; dy <= 1; dy++ {
							yy := y + dy
							if yy < 0 || yy >= h {
								continue
							}
							for dx := -1; dx <= 1; dx++ {
								xs := xx + dx
								if xs < 0 || xs >= w {
									continue
								}
								wIdx := wBase + (dy+1)*3 + (dx+1)
								gradW[wIdx] += gv * x[inBase+yy*w+xs]
								if computeGradIn {
									gradIn[inBase+yy*w+xs] += gv * weight[wIdx]
								}
							}
						}
					}
				}
			}
		}
	}
	return gradIn
}

// avgPool2 halves the spatial resolution with 2×2 average pooling.
func avgPool2(x []float32, n, c, h, w int) []float32 {
	oh, ow := h/2, w/2
	out := make([]float32, n*c*oh*ow)
	for bc := 0; bc < n*c; bc++ {
		inBase := bc * h * w
		outBase := bc * oh * ow
		for y := 0; y < oh; y++ {
			for x2 := 0; x2 < ow; x2++ {
				sum := x[inBase+(2*y)*w+2*x2] +
					x[inBase+(2*y)*w+2*x2+1] +
					x[inBase+(2*y+1)*w+2*x2] +
					x[inBase+(2*y+1)*w+2*x2+1]
				out[outBase+y*ow+x2] = sum / 4
			}
		}
	}
	return out
}

// avgPool2Backward distributes each pooled gradient evenly over its 2×2 block.
// h and w are the dimensions of the unpooled activation.
func avgPool2Backward(grad []float32, n, c, h, w int) []float32 {
	oh, ow := h/2, w/2
	out := make([]float32, n*c*h*w)
	for bc := 0; bc < n*c; bc++ {
		inBase := bc * oh * ow
		outBase := bc * h * w
		for y := 0; y < oh; y++ {
			for x2 := 0; x2 < ow; x2++ {
				gv := grad[inBase+y*ow+x2] / 4
				out[outBase+(2*y)*w+2*x2] = gv
				out[outBase+(2*y)*w+2*x2+1] = gv
				out[outBase+(2*y+1)*w+2*x2] = gv
				out[outBase+(2*y+1)*w+2*x2+1] = gv
			}
		}
	}
	return out
}

// upsample2 doubles the spatial resolution with nearest-neighbor sampling.
func upsample2(x []float32, n, c, h, w int) []float32 {
	oh, ow := h*2, w*2
	out := make([]float32, n*c*oh*ow)
	for bc := 0; bc < n*c; bc++ {
		inBase := bc * h * w
		outBase := bc * oh * ow
		for y := 0; y < oh; y++ {
			for x2 := 0; x2 < ow; x2++ {
				out[outBase+y*ow+x2] = x[inBase+(y/2)*w+x2/2]
			}
		}
	}
	return out
}

// downsampleSum is the adjoint of upsample2: each low-resolution cell sums the
// gradients of the four high-resolution pixels it produced.
func downsampleSum(grad []float32, n, c, h, w int) []float32 {
	out := make([]float32, n*c*h*w)
	ih, iw := h*2, w*2
	for bc := 0; bc < n*c; bc++ {
		inBase := bc * ih * iw
		outBase := bc * h * w
		for y := 0; y < ih; y++ {
			for x2 := 0; x2 < iw; x2++ {
				out[outBase+(y/2)*w+x2/2] += grad[inBase+y*iw+x2]
			}
		}
	}
	return out
}
