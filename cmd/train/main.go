// Command train runs a full training session: dataset validation, split
// preparation, the epoch loop with checkpoint bookkeeping, and experiment
// tracking.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"wms/config"
	"wms/dataset"
	"wms/mlflow"
	"wms/network"
	"wms/training"
	"wms/transforms"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (defaults apply when empty)")
		dataDir    = flag.String("data", "", "raw dataset root containing images/ and masks/ (overrides config)")
		seed       = flag.Int64("seed", 0, "random seed (overrides config when non-zero)")
		noTracking = flag.Bool("no-tracking", false, "disable experiment tracking")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *dataDir != "" {
		cfg.Paths.DataDir = *dataDir
	}
	if *seed != 0 {
		cfg.Training.Seed = *seed
	}

	splits, err := dataset.PrepareSplits(cfg.Paths.DataDir, cfg.Paths.TempDir, cfg.Training.Seed)
	if err != nil {
		log.Fatalf("preparing splits: %v", err)
	}
	fmt.Printf("Prepared splits: train=%d val=%d test=%d\n",
		len(splits.Train), len(splits.Val), len(splits.Test))

	pre := &transforms.Preprocess{
		TargetSize:  cfg.Preprocess.TargetSize,
		StretchLow:  cfg.Preprocess.StretchLow,
		StretchHigh: cfg.Preprocess.StretchHigh,
	}
	aug := transforms.NewAugmenter(pre, transforms.AugmentConfig{
		HorizontalFlipProb: cfg.Augmentation.HorizontalFlip,
		VerticalFlipProb:   cfg.Augmentation.VerticalFlip,
		RotationDegrees:    cfg.Augmentation.RotationDegrees,
		RotationProb:       cfg.Augmentation.RotationProb,
		BrightnessProb:     cfg.Augmentation.ColorJitterProb,
		BrightnessMin:      0.8,
		BrightnessMax:      1.2,
	}, cfg.Training.Seed)
	det := transforms.Deterministic{Pre: pre}

	trainLoader := dataset.NewLoader(splits.Train, aug, dataset.LoaderConfig{
		BatchSize:  cfg.Training.BatchSize,
		Shuffle:    true,
		NumWorkers: cfg.Training.NumWorkers,
		Seed:       cfg.Training.Seed,
	})
	valLoader := dataset.NewLoader(splits.Val, det, dataset.LoaderConfig{
		BatchSize:  cfg.Training.BatchSize,
		NumWorkers: cfg.Training.NumWorkers,
	})
	testLoader := dataset.NewLoader(splits.Test, det, dataset.LoaderConfig{
		BatchSize:  cfg.Training.BatchSize,
		NumWorkers: cfg.Training.NumWorkers,
	})

	var tracker training.Tracker
	if !*noTracking && cfg.Tracking.URI != "" {
		tracker = mlflow.New(cfg.Tracking.URI)
	}

	trainer := &training.Trainer{
		Config: cfg,
		NewNetwork: func(seed int64) network.Network {
			return network.NewWaterMeterNet(3, 16, seed)
		},
		Train:      trainLoader,
		Val:        valLoader,
		Test:       testLoader,
		DataDir:    cfg.Paths.DataDir,
		Tracker:    tracker,
		RunName:    time.Now().Format("run-20060102-150405"),
		ModelsDir:  cfg.Paths.ModelsDir,
		ResultsDir: filepath.Join(cfg.Paths.LogsDir, "results"),
		Out:        os.Stdout,
	}

	result, err := trainer.Run()
	if err != nil {
		log.Fatalf("training: %v", err)
	}

	if result.Improved {
		fmt.Printf("Session improved the global best (epoch %d)\n", result.BestEpoch)
	} else {
		fmt.Println("Session did not improve the global best")
	}
	fmt.Printf("Final test metrics: dice=%.4f iou=%.4f hausdorff=%.4f\n",
		result.TestDice, result.TestIoU, result.TestHausdorff)
}
