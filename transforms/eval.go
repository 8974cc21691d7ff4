package transforms

import (
	"image"

	"wms/tensor"
)

// Deterministic is the transform used for the validation and test splits and
// at inference time: the preprocessing stage with no stochastic augmentation.
type Deterministic struct {
	Pre *Preprocess
}

// Apply preprocesses the pair without randomness.
func (d Deterministic) Apply(img, mask image.Image) (*tensor.Tensor, *tensor.Tensor, error) {
	imgT, err := d.Pre.Image(img)
	if err != nil {
		return nil, nil, err
	}
	maskT, err := d.Pre.Mask(mask)
	if err != nil {
		return nil, nil, err
	}
	return imgT, maskT, nil
}
