// Package dataqa implements the data-quality gate that must pass before a
// training run may start. It scans an images/masks directory pair, collects
// every violation it finds into a single report, and computes coverage
// statistics over the masks that decode.
package dataqa

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Report statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

var supportedExtensions = map[string]bool{
	".jpg": true,
	".png": true,
}

// Config controls the validation thresholds.
type Config struct {
	// ExpectedWidth/ExpectedHeight is the resolution every image and mask
	// must have.
	ExpectedWidth  int
	ExpectedHeight int

	// MinCoveragePercent is the near-empty threshold: masks with a
	// foreground fraction below this percentage fail, distinct from the
	// fully-empty check.
	MinCoveragePercent float64
}

// DefaultConfig returns the thresholds used by the training pipeline.
func DefaultConfig() Config {
	return Config{
		ExpectedWidth:      512,
		ExpectedHeight:     512,
		MinCoveragePercent: 0.1,
	}
}

// Statistics summarizes the masks that decoded successfully.
type Statistics struct {
	Resolution        string  `json:"resolution"`
	MedianCoveragePct float64 `json:"median_coverage_pct"`
	StdCoveragePct    float64 `json:"std_coverage_pct"`
}

// Report is the outcome of one validation pass.
type Report struct {
	Status     string      `json:"status"`
	ImageCount int         `json:"image_count"`
	MaskCount  int         `json:"mask_count"`
	ValidPairs int         `json:"valid_pairs"`
	Errors     []string    `json:"errors"`
	Statistics *Statistics `json:"statistics,omitempty"`
}

// Passed reports whether the dataset may be trained on.
func (r *Report) Passed() bool {
	return r.Status == StatusPass
}

func (r *Report) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate scans dir (expected to contain images/ and masks/ subdirectories)
// and returns an aggregated report. Every check runs to completion; no
// violation aborts the scan. The directory is never mutated.
func Validate(dir string, cfg Config) *Report {
	report := &Report{Status: StatusFail, Errors: []string{}}

	imagesDir := filepath.Join(dir, "images")
	masksDir := filepath.Join(dir, "masks")

	imageFiles, imagesOK := listImageFiles(imagesDir)
	if !imagesOK {
		report.addError("Images directory not found: %s", imagesDir)
	}
	maskFiles, masksOK := listImageFiles(masksDir)
	if !masksOK {
		report.addError("Masks directory not found: %s", masksDir)
	}

	report.ImageCount = len(imageFiles)
	report.MaskCount = len(maskFiles)

	imageByStem := byStem(imageFiles)
	maskByStem := byStem(maskFiles)

	if missing := missingStems(imageByStem, maskByStem); len(missing) > 0 {
		report.addError("Missing masks for images: %s", strings.Join(missing, ", "))
	}
	if missing := missingStems(maskByStem, imageByStem); len(missing) > 0 {
		report.addError("Missing images for masks: %s", strings.Join(missing, ", "))
	}

	var coverages []float64
	for _, stem := range sortedStems(imageByStem) {
		maskName, paired := maskByStem[stem]
		if !paired {
			continue
		}
		imageName := imageByStem[stem]

		img, err := decodeImage(filepath.Join(imagesDir, imageName))
		if err != nil {
			report.addError("Failed to decode image %s: %v", imageName, err)
		}
		mask, err := decodeImage(filepath.Join(masksDir, maskName))
		if err != nil {
			report.addError("Failed to decode mask %s: %v", maskName, err)
		}
		if img == nil || mask == nil {
			continue
		}
		report.ValidPairs++

		if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w != cfg.ExpectedWidth || h != cfg.ExpectedHeight {
			report.addError("Resolution mismatch for image %s: got %dx%d, want %dx%d",
				imageName, w, h, cfg.ExpectedWidth, cfg.ExpectedHeight)
		}
		if w, h := mask.Bounds().Dx(), mask.Bounds().Dy(); w != cfg.ExpectedWidth || h != cfg.ExpectedHeight {
			report.addError("Resolution mismatch for mask %s: got %dx%d, want %dx%d",
				maskName, w, h, cfg.ExpectedWidth, cfg.ExpectedHeight)
		}

		coverage := checkMask(report, mask, maskName, cfg)
		coverages = append(coverages, coverage)
	}

	if len(coverages) > 0 {
		report.Statistics = coverageStatistics(coverages, cfg)
	}

	if report.ImageCount == report.MaskCount &&
		report.MaskCount == report.ValidPairs &&
		report.ValidPairs > 0 &&
		len(report.Errors) == 0 {
		report.Status = StatusPass
	}
	return report
}

// checkMask verifies binariness and foreground coverage, returning the
// coverage percentage for the statistics block.
func checkMask(report *Report, mask image.Image, name string, cfg Config) float64 {
	bounds := mask.Bounds()
	total := bounds.Dx() * bounds.Dy()

	foreground := 0
	nonBinary := false
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := grayValue(mask, x, y)
			switch {
			case v == 255:
				foreground++
			case v != 0:
				nonBinary = true
			}
		}
	}

	if nonBinary {
		report.addError("Non-binary mask %s: contains values other than {0, 255}", name)
	}

	coverage := 100.0 * float64(foreground) / float64(total)
	if foreground == 0 {
		report.addError("Empty mask %s: no foreground pixels", name)
	} else if coverage < cfg.MinCoveragePercent {
		report.addError("Near-empty mask %s: coverage %.4f%% below %.4f%%",
			name, coverage, cfg.MinCoveragePercent)
	}
	return coverage
}

func coverageStatistics(coverages []float64, cfg Config) *Statistics {
	sorted := append([]float64(nil), coverages...)
	sort.Float64s(sorted)

	return &Statistics{
		Resolution:        fmt.Sprintf("%dx%d", cfg.ExpectedWidth, cfg.ExpectedHeight),
		MedianCoveragePct: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		StdCoveragePct:    stat.StdDev(sorted, nil),
	}
}

func listImageFiles(dir string) ([]string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
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
	return files, true
}

func byStem(files []string) map[string]string {
	m := make(map[string]string, len(files))
	for _, f := range files {
		m[stem(f)] = f
	}
	return m
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func missingStems(have, in map[string]string) []string {
	var missing []string
	for s := range have {
		if _, ok := in[s]; !ok {
			missing = append(missing, s)
		}
	}
	sort.Strings(missing)
	return missing
}

func sortedStems(m map[string]string) []string {
	stems := make([]string, 0, len(m))
	for s := range m {
		stems = append(stems, s)
	}
	sort.Strings(stems)
	return stems
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func grayValue(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	// Standard luma weights, same rounding as image/color.GrayModel.
	yv := (19595*r + 38470*g + 7471*b + 1<<15) >> 24
	return uint8(yv)
}
