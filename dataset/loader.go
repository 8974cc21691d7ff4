package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"sync"

	"wms/tensor"
)

// Transform converts a decoded (image, mask) pair into co-registered tensors.
// The training split uses transforms.Augmenter, the others transforms.Deterministic.
type Transform interface {
	Apply(img, mask image.Image) (*tensor.Tensor, *tensor.Tensor, error)
}

// Batch is one consumed batch of samples in NCHW layout.
type Batch struct {
	Images *tensor.Tensor // N×3×S×S
	Masks  *tensor.Tensor // N×1×S×S
	Size   int
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize  int
	Shuffle    bool // reshuffle sample order on every Reset
	NumWorkers int  // parallel file decoders; decoding only, transforms stay sequential
	Seed       int64
}

// Loader iterates a split in batches. File reading and decoding fan out to a
// worker pool; batches are handed to the consumer strictly in sequence, and
// the transform runs on the consuming goroutine so stochastic augmentation
// draws stay deterministic under a fixed seed.
type Loader struct {
	samples   []Sample
	transform Transform
	config    LoaderConfig

	mu       sync.Mutex
	indices  []int
	position int
	rng      *rand.Rand
}

// NewLoader creates a loader over the given samples.
func NewLoader(samples []Sample, transform Transform, config LoaderConfig) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	indices := make([]int, len(samples))
	for i := range indices {
		indices[i] = i
	}

	l := &Loader{
		samples:   samples,
		transform: transform,
		config:    config,
		indices:   indices,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	if config.Shuffle {
		l.shuffleLocked()
	}
	return l
}

// Len returns the number of samples.
func (l *Loader) Len() int {
	return len(l.samples)
}

// NumBatches returns the number of batches per full pass.
func (l *Loader) NumBatches() int {
	if len(l.samples) == 0 {
		return 0
	}
	return (len(l.samples) + l.config.BatchSize - 1) / l.config.BatchSize
}

// Reset rewinds the loader, reshuffling when configured.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = 0
	if l.config.Shuffle {
		l.shuffleLocked()
	}
}

func (l *Loader) shuffleLocked() {
	l.rng.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
}

type decodedPair struct {
	img  image.Image
	mask image.Image
	err  error
}

// NextBatch returns the next batch, or (nil, nil) once the pass is complete.
func (l *Loader) NextBatch() (*Batch, error) {
	l.mu.Lock()
	remaining := len(l.indices) - l.position
	if remaining <= 0 {
		l.mu.Unlock()
		return nil, nil
	}
	batchSize := l.config.BatchSize
	if remaining < batchSize {
		batchSize = remaining
	}
	picked := make([]int, batchSize)
	copy(picked, l.indices[l.position:l.position+batchSize])
	l.position += batchSize
	l.mu.Unlock()

	decoded := l.decodeParallel(picked)

	var images, masks *tensor.Tensor
	for i, d := range decoded {
		if d.err != nil {
			return nil, fmt.Errorf("loading sample %s: %w", l.samples[picked[i]].ImagePath, d.err)
		}
		imgT, maskT, err := l.transform.Apply(d.img, d.mask)
		if err != nil {
			return nil, fmt.Errorf("transforming sample %s: %w", l.samples[picked[i]].ImagePath, err)
		}

		if images == nil {
			var terr error
			images, terr = tensor.New(batchSize, imgT.Dim(0), imgT.Dim(1), imgT.Dim(2))
			if terr != nil {
				return nil, terr
			}
			masks, terr = tensor.New(batchSize, maskT.Dim(0), maskT.Dim(1), maskT.Dim(2))
			if terr != nil {
				return nil, terr
			}
		}
		copy(images.Data[i*imgT.NumElements():], imgT.Data)
		copy(masks.Data[i*maskT.NumElements():], maskT.Data)
	}

	return &Batch{Images: images, Masks: masks, Size: batchSize}, nil
}

// decodeParallel fans file decoding out to NumWorkers goroutines. Workers
// only read files; results land in per-index slots, so no ordering is lost.
func (l *Loader) decodeParallel(picked []int) []decodedPair {
	results := make([]decodedPair, len(picked))

	type job struct{ slot, sample int }
	jobs := make(chan job, len(picked))

	var wg sync.WaitGroup
	workers := l.config.NumWorkers
	if workers > len(picked) {
		workers = len(picked)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				s := l.samples[j.sample]
				img, err := decodeFile(s.ImagePath)
				if err != nil {
					results[j.slot] = decodedPair{err: err}
					continue
				}
				mask, err := decodeFile(s.MaskPath)
				if err != nil {
					results[j.slot] = decodedPair{err: err}
					continue
				}
				results[j.slot] = decodedPair{img: img, mask: mask}
			}
		}()
	}
	for i, sampleIdx := range picked {
		jobs <- job{slot: i, sample: sampleIdx}
	}
	close(jobs)
	wg.Wait()

	return results
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}
