// Package dataset pairs image/mask files, materializes the train/val/test
// splits on disk and loads batches for training.
package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Split names used throughout the pipeline.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Proportions of the three splits.
const (
	trainFraction = 0.8
	valFraction   = 0.1
)

var supportedExtensions = map[string]bool{
	".jpg": true,
	".png": true,
}

// Sample is one (image, mask) pair on disk. Pixels are read at access time;
// nothing is cached across epochs.
type Sample struct {
	ImagePath string
	MaskPath  string
}

// Stem returns the shared filename stem identifying the pair.
func (s Sample) Stem() string {
	base := filepath.Base(s.ImagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PairSamples matches images to masks by filename stem across the supported
// extensions. Every image must have a mask and vice versa.
func PairSamples(imagesDir, masksDir string) ([]Sample, error) {
	images, err := listFiles(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("reading images directory: %w", err)
	}
	masks, err := listFiles(masksDir)
	if err != nil {
		return nil, fmt.Errorf("reading masks directory: %w", err)
	}

	maskByStem := make(map[string]string, len(masks))
	for _, m := range masks {
		maskByStem[stem(m)] = m
	}

	if len(images) != len(masks) {
		return nil, fmt.Errorf("image/mask count mismatch: %d images, %d masks", len(images), len(masks))
	}

	samples := make([]Sample, 0, len(images))
	for _, img := range images {
		mask, ok := maskByStem[stem(img)]
		if !ok {
			return nil, fmt.Errorf("no mask found for image %s", img)
		}
		samples = append(samples, Sample{
			ImagePath: filepath.Join(imagesDir, img),
			MaskPath:  filepath.Join(masksDir, mask),
		})
	}
	return samples, nil
}

// Splits holds the three disjoint partitions of a dataset.
type Splits struct {
	Train []Sample
	Val   []Sample
	Test  []Sample
}

// SplitSamples partitions samples 80/10/10 under the given seed. The split is
// by pair identity: a stem appears in exactly one partition.
func SplitSamples(samples []Sample, seed int64) Splits {
	shuffled := append([]Sample(nil), samples...)
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Stem() < shuffled[j].Stem() })

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := len(shuffled)
	trainEnd := int(float64(n) * trainFraction)
	valEnd := trainEnd + int(float64(n)*valFraction)
	if valEnd == trainEnd && valEnd < n {
		valEnd++
	}

	return Splits{
		Train: shuffled[:trainEnd],
		Val:   shuffled[trainEnd:valEnd],
		Test:  shuffled[valEnd:],
	}
}

// PrepareSplits copies the source dataset into
// destDir/{train,val,test}/{images,masks}. Existing split directories are
// replaced so repeated runs under the same seed are reproducible.
func PrepareSplits(srcDir, destDir string, seed int64) (Splits, error) {
	samples, err := PairSamples(filepath.Join(srcDir, "images"), filepath.Join(srcDir, "masks"))
	if err != nil {
		return Splits{}, err
	}
	splits := SplitSamples(samples, seed)

	for split, members := range map[string][]Sample{
		SplitTrain: splits.Train,
		SplitVal:   splits.Val,
		SplitTest:  splits.Test,
	} {
		splitDir := filepath.Join(destDir, split)
		if err := os.RemoveAll(splitDir); err != nil {
			return Splits{}, fmt.Errorf("clearing split %s: %w", split, err)
		}
		for _, sub := range []string{"images", "masks"} {
			if err := os.MkdirAll(filepath.Join(splitDir, sub), 0o755); err != nil {
				return Splits{}, fmt.Errorf("creating split %s: %w", split, err)
			}
		}
		for _, s := range members {
			if err := copyFile(s.ImagePath, filepath.Join(splitDir, "images", filepath.Base(s.ImagePath))); err != nil {
				return Splits{}, err
			}
			if err := copyFile(s.MaskPath, filepath.Join(splitDir, "masks", filepath.Base(s.MaskPath))); err != nil {
				return Splits{}, err
			}
		}
	}
	return splits, nil
}

// LoadSplit pairs the samples of one materialized split directory.
func LoadSplit(baseDir, split string) ([]Sample, error) {
	return PairSamples(
		filepath.Join(baseDir, split, "images"),
		filepath.Join(baseDir, split, "masks"),
	)
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if supportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return nil
}
