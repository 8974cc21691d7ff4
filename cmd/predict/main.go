// Command predict runs batch inference over a directory of photos, writing
// one 0/255 mask PNG per input next to the originals or into -out.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"

	"wms/checkpoints"
	"wms/config"
	"wms/network"
	"wms/predict"
	"wms/transforms"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		modelPath  = flag.String("model", "", "checkpoint to use (defaults to the global best)")
		inputDir   = flag.String("in", ".", "directory of input photos")
		outputDir  = flag.String("out", "", "output directory (defaults to the input directory)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	path := *modelPath
	if path == "" {
		path = filepath.Join(cfg.Paths.ModelsDir, checkpoints.GlobalBestName)
	}
	pre := &transforms.Preprocess{
		TargetSize:  cfg.Preprocess.TargetSize,
		StretchLow:  cfg.Preprocess.StretchLow,
		StretchHigh: cfg.Preprocess.StretchHigh,
	}
	predictor, err := predict.Load(path, func() network.Network {
		return network.NewWaterMeterNet(3, 16, 0)
	}, pre)
	if err != nil {
		log.Fatalf("loading model: %v", err)
	}

	dest := *outputDir
	if dest == "" {
		dest = *inputDir
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		log.Fatalf("creating output directory: %v", err)
	}

	entries, err := os.ReadDir(*inputDir)
	if err != nil {
		log.Fatalf("reading input directory: %v", err)
	}

	done := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}

		src := filepath.Join(*inputDir, entry.Name())
		mask, err := predictFile(predictor, src)
		if err != nil {
			log.Printf("skipping %s: %v", entry.Name(), err)
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		out := filepath.Join(dest, stem+"_mask.png")
		if err := writePNG(out, mask); err != nil {
			log.Printf("writing %s: %v", out, err)
			continue
		}
		fmt.Printf("%s -> %s\n", entry.Name(), filepath.Base(out))
		done++
	}
	fmt.Printf("Predicted %d masks\n", done)
}

func predictFile(p *predict.Predictor, path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	return p.Predict(img)
}

func writePNG(path string, mask *image.Gray) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, mask)
}
