package predict

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"

	"wms/checkpoints"
	"wms/network"
	"wms/tensor"
	"wms/transforms"
)

// constantNet emits the same logit everywhere, positive or negative.
type constantNet struct {
	logit float32
	param *network.Parameter
}

func newConstantNet(logit float32) *constantNet {
	v, _ := tensor.FromSlice([]float32{logit}, 1)
	g, _ := tensor.New(1)
	return &constantNet{logit: logit, param: &network.Parameter{Name: "logit", Value: v, Grad: g}}
}

func (c *constantNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.New(x.Dim(0), 1, x.Dim(2), x.Dim(3))
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i] = c.param.Value.Data[0]
	}
	return out, nil
}

func (c *constantNet) Backward(*tensor.Tensor) error    { return nil }
func (c *constantNet) Parameters() []*network.Parameter { return []*network.Parameter{c.param} }
func (c *constantNet) Train()                           {}
func (c *constantNet) Eval()                            {}

func testImage(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 7), B: 60, A: 255})
		}
	}
	return img
}

func smallPre() *transforms.Preprocess {
	return &transforms.Preprocess{TargetSize: 16, StretchLow: 2, StretchHigh: 98}
}

func TestPredictAllForeground(t *testing.T) {
	p := New(newConstantNet(5), smallPre())
	mask, err := p.Predict(testImage(40))
	if err != nil {
		t.Fatal(err)
	}
	if mask.Bounds().Dx() != 16 || mask.Bounds().Dy() != 16 {
		t.Errorf("mask bounds: %v", mask.Bounds())
	}
	for i, v := range mask.Pix {
		if v != 255 {
			t.Fatalf("pixel %d: got %d, want 255", i, v)
		}
	}
}

func TestPredictAllBackground(t *testing.T) {
	p := New(newConstantNet(-5), smallPre())
	mask, err := p.Predict(testImage(40))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range mask.Pix {
		if v != 0 {
			t.Fatalf("pixel %d: got %d, want 0", i, v)
		}
	}
}

func TestPredictConcurrent(t *testing.T) {
	p := New(newConstantNet(5), smallPre())
	img := testImage(40)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Predict(img); err != nil {
				t.Errorf("concurrent predict: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestLoadRestoresWeights(t *testing.T) {
	trained := newConstantNet(3)
	path := filepath.Join(t.TempDir(), checkpoints.GlobalBestName)
	if err := checkpoints.FromNetwork(trained, checkpoints.TrainingState{}, "").Save(path); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path, func() network.Network { return newConstantNet(-3) }, smallPre())
	if err != nil {
		t.Fatal(err)
	}
	mask, err := p.Predict(testImage(40))
	if err != nil {
		t.Fatal(err)
	}
	// The restored positive logit wins over the factory's negative one.
	if mask.Pix[0] != 255 {
		t.Errorf("restored model should predict foreground, got %d", mask.Pix[0])
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"),
		func() network.Network { return newConstantNet(0) }, smallPre())
	if err == nil {
		t.Error("expected error for missing checkpoint")
	}
}

func TestEncodeMaskBase64RoundTrip(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := 0; i < 32; i++ {
		mask.Pix[i] = 255
	}

	encoded, err := EncodeMaskBase64(mask)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("not valid base64: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 8 {
		t.Errorf("decoded bounds: %v", decoded.Bounds())
	}
}
