// Package training runs the segmentation training loop: per-epoch train, val
// and test passes, plateau learning-rate scheduling, early stopping, session
// and global best-checkpoint bookkeeping, and experiment tracking.
package training

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wms/checkpoints"
	"wms/config"
	"wms/dataqa"
	"wms/dataset"
	"wms/metrics"
	"wms/network"
	"wms/tensor"
)

// Tracker is the experiment tracking surface the trainer needs. A nil Tracker
// disables tracking entirely.
type Tracker interface {
	HealthCheck(maxAttempts int) error
	SetExperiment(name string) (string, error)
	StartRun(experimentID, runName string) (string, error)
	LogParams(runID string, params map[string]string) error
	LogMetrics(runID string, values map[string]float64, step int) error
	LogArtifact(runID, localPath, artifactPath string) error
	EndRun(runID string) error
	RegisterModel(runID, name string) (string, error)
}

// Trainer wires the loaders, model factory and tracking client into one
// training session.
type Trainer struct {
	Config config.Config

	// NewNetwork builds a freshly initialized model. It is called twice when
	// a global best exists: once for baseline revalidation, once for the
	// session's model.
	NewNetwork func(seed int64) network.Network

	Train *dataset.Loader
	Val   *dataset.Loader
	Test  *dataset.Loader

	// DataDir is the raw dataset root checked by the validator gate before
	// anything expensive starts. Empty skips the gate (tests).
	DataDir string

	Tracker Tracker
	RunName string

	ModelsDir  string
	ResultsDir string

	// Out receives progress lines; defaults to os.Stdout.
	Out io.Writer
}

// Result summarizes a completed session.
type Result struct {
	Improved      bool
	BestEpoch     int
	EpochsRun     int
	ValDice       float64
	ValIoU        float64
	TestDice      float64
	TestIoU       float64
	TestHausdorff float64
}

// splitMetrics holds one split's per-epoch averages.
type splitMetrics struct {
	Loss float64
	Acc  float64
	Dice float64
	IoU  float64
}

// Run executes the full session and returns its result. Gate failures
// (validator FAIL, unreachable tracking server) abort before the first epoch.
func (t *Trainer) Run() (*Result, error) {
	if t.Out == nil {
		t.Out = os.Stdout
	}

	if t.DataDir != "" {
		report := dataqa.Validate(t.DataDir, dataqa.Config{
			ExpectedWidth:      t.Config.Validation.ExpectedWidth,
			ExpectedHeight:     t.Config.Validation.ExpectedHeight,
			MinCoveragePercent: t.Config.Validation.MinCoveragePercent,
		})
		if report.Status != dataqa.StatusPass {
			return nil, fmt.Errorf("dataset validation failed with %d problems, first: %s",
				len(report.Errors), firstOrNone(report.Errors))
		}
		fmt.Fprintf(t.Out, "Dataset validation passed: %d pairs\n", report.ValidPairs)
	}

	var runID string
	if t.Tracker != nil {
		if err := t.Tracker.HealthCheck(3); err != nil {
			return nil, fmt.Errorf("tracking server health check failed: %w", err)
		}
		expID, err := t.Tracker.SetExperiment(t.Config.Tracking.ExperimentName)
		if err != nil {
			return nil, fmt.Errorf("setting experiment: %w", err)
		}
		runID, err = t.Tracker.StartRun(expID, t.RunName)
		if err != nil {
			return nil, fmt.Errorf("starting run: %w", err)
		}
		if err := t.Tracker.LogParams(runID, t.trackedParams()); err != nil {
			return nil, fmt.Errorf("logging params: %w", err)
		}
	}

	loss := NewBCEWithLogitsLoss()
	bestPath := filepath.Join(t.ModelsDir, checkpoints.GlobalBestName)

	// Baseline: if a global best exists, score it on the current val split so
	// promotion compares against today's data, not a stale loss.
	previousBestVal := math.Inf(1)
	if checkpoints.Exists(bestPath) {
		fmt.Fprintln(t.Out, "Found existing best checkpoint, validating to establish baseline...")
		prev, err := checkpoints.Load(bestPath)
		if err != nil {
			return nil, fmt.Errorf("loading previous best: %w", err)
		}
		baseline := t.NewNetwork(t.Config.Training.Seed)
		if err := prev.Restore(baseline); err != nil {
			return nil, fmt.Errorf("restoring previous best: %w", err)
		}
		m, err := t.evaluate(baseline, t.Val, loss)
		if err != nil {
			return nil, fmt.Errorf("scoring previous best: %w", err)
		}
		previousBestVal = m.Loss
		fmt.Fprintf(t.Out, "Previous best validation loss: %.4f\n", previousBestVal)
	}

	// Fresh model, optimizer and scheduler for the session regardless of
	// whether a baseline was scored.
	net := t.NewNetwork(t.Config.Training.Seed)
	opt := NewAdam(net.Parameters(), AdamConfig{
		LearningRate: t.Config.Training.LearningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  t.Config.Training.WeightDecay,
	})
	sched := NewReduceLROnPlateau(opt,
		t.Config.Training.Scheduler.Factor,
		t.Config.Training.Scheduler.Patience,
		t.Config.Training.Scheduler.MinLR)

	numEpochs := t.Config.Training.Epochs
	bestSessionVal := math.Inf(1)
	bestSessionEpoch := 0
	var bestSessionMetrics map[string]float64
	patienceCtr := 0
	var epochLines []string
	epochsRun := 0

	for epoch := 1; epoch <= numEpochs; epoch++ {
		epochsRun = epoch

		trainM, err := t.trainEpoch(net, opt, loss)
		if err != nil {
			return nil, fmt.Errorf("epoch %d train pass: %w", epoch, err)
		}
		valM, err := t.evaluate(net, t.Val, loss)
		if err != nil {
			return nil, fmt.Errorf("epoch %d val pass: %w", epoch, err)
		}
		sched.Step(valM.Loss)
		testM, err := t.evaluate(net, t.Test, loss)
		if err != nil {
			return nil, fmt.Errorf("epoch %d test pass: %w", epoch, err)
		}

		line := fmt.Sprintf("Epoch %d/%d"+
			" - Train Loss: %.4f, Acc: %.4f, Dice: %.4f, IoU: %.4f"+
			" - Val Loss: %.4f, Acc: %.4f, Dice: %.4f, IoU: %.4f"+
			" - Test Loss: %.4f, Acc: %.4f, Dice: %.4f, IoU: %.4f",
			epoch, numEpochs,
			trainM.Loss, trainM.Acc, trainM.Dice, trainM.IoU,
			valM.Loss, valM.Acc, valM.Dice, valM.IoU,
			testM.Loss, testM.Acc, testM.Dice, testM.IoU)
		fmt.Fprintln(t.Out, line)
		epochLines = append(epochLines, line)

		// Every 5 epochs plus the final one, to keep server load down.
		if t.Tracker != nil && (epoch%5 == 0 || epoch == numEpochs) {
			err := t.Tracker.LogMetrics(runID, map[string]float64{
				"train_loss": trainM.Loss, "train_dice": trainM.Dice, "train_iou": trainM.IoU,
				"val_loss": valM.Loss, "val_dice": valM.Dice, "val_iou": valM.IoU,
				"test_loss": testM.Loss, "test_dice": testM.Dice, "test_iou": testM.IoU,
			}, epoch)
			if err != nil {
				fmt.Fprintf(t.Out, "Warning: could not log metrics: %v\n", err)
			}
		}

		if valM.Loss < bestSessionVal {
			bestSessionVal = valM.Loss
			bestSessionEpoch = epoch
			bestSessionMetrics = map[string]float64{
				"val_loss": valM.Loss, "val_acc": valM.Acc,
				"val_dice": valM.Dice, "val_iou": valM.IoU,
				"test_loss": testM.Loss, "test_acc": testM.Acc,
				"test_dice": testM.Dice, "test_iou": testM.IoU,
			}
			patienceCtr = 0
			if err := t.saveCheckpoint(net, epoch, opt.GetLR(), valM, checkpoints.SessionBestName); err != nil {
				return nil, err
			}
			fmt.Fprintf(t.Out, "  saved %s (epoch %d, val_loss: %.4f)\n",
				checkpoints.SessionBestName, epoch, valM.Loss)
		} else {
			patienceCtr++
			if patienceCtr >= t.Config.Training.EarlyStoppingPatience {
				fmt.Fprintln(t.Out, "Early stopping")
				break
			}
		}

		if err := t.saveCheckpoint(net, epoch, opt.GetLR(), valM, checkpoints.EpochName(epoch)); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(t.Out, "Training completed. Session best: epoch %d, val_loss: %.4f\n",
		bestSessionEpoch, bestSessionVal)

	improved := bestSessionVal < previousBestVal
	sessionBestPath := filepath.Join(t.ModelsDir, checkpoints.SessionBestName)
	if improved {
		session, err := checkpoints.Load(sessionBestPath)
		if err != nil {
			return nil, fmt.Errorf("loading session best for promotion: %w", err)
		}
		if err := session.Save(bestPath); err != nil {
			return nil, fmt.Errorf("promoting session best: %w", err)
		}
		fmt.Fprintf(t.Out, "Updated %s with model from epoch %d\n", checkpoints.GlobalBestName, bestSessionEpoch)
	} else {
		fmt.Fprintf(t.Out, "Session did not improve on previous best (difference: %+.4f)\n",
			bestSessionVal-previousBestVal)
	}

	if err := t.writeSessionLog(improved, previousBestVal, bestSessionVal,
		bestSessionEpoch, epochsRun, bestSessionMetrics, epochLines); err != nil {
		return nil, err
	}

	// Final evaluation runs the promoted global best on the test split with
	// per-sample averaging, including the boundary distance.
	testDice, testIoU, testHausdorff, err := t.finalEvaluation(bestPath)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(t.Out, "Test Dice:      %.4f\n", testDice)
	fmt.Fprintf(t.Out, "Test IoU:       %.4f\n", testIoU)
	fmt.Fprintf(t.Out, "Test Hausdorff: %.4f\n", testHausdorff)

	result := &Result{
		Improved:      improved,
		BestEpoch:     bestSessionEpoch,
		EpochsRun:     epochsRun,
		ValDice:       bestSessionMetrics["val_dice"],
		ValIoU:        bestSessionMetrics["val_iou"],
		TestDice:      testDice,
		TestIoU:       testIoU,
		TestHausdorff: testHausdorff,
	}
	if err := t.writeMetricsJSON(result); err != nil {
		return nil, err
	}

	if t.Tracker != nil {
		// Artifact and registry failures after a completed session are
		// warnings, never errors.
		logPath := filepath.Join(t.ResultsDir, "Terminal.log")
		if err := t.Tracker.LogArtifact(runID, logPath, "logs"); err != nil {
			fmt.Fprintf(t.Out, "Warning: could not upload Terminal.log: %v\n", err)
		}
		metricsPath := filepath.Join(t.ModelsDir, "metrics.json")
		if err := t.Tracker.LogArtifact(runID, metricsPath, "metrics"); err != nil {
			fmt.Fprintf(t.Out, "Warning: could not upload metrics.json: %v\n", err)
		}
		if improved {
			if err := t.Tracker.LogArtifact(runID, bestPath, "model"); err != nil {
				fmt.Fprintf(t.Out, "Warning: could not upload model: %v\n", err)
			}
			if _, err := t.Tracker.RegisterModel(runID, t.Config.Tracking.ModelName); err != nil {
				fmt.Fprintf(t.Out, "Warning: could not register model: %v\n", err)
			}
		}
		if err := t.Tracker.EndRun(runID); err != nil {
			fmt.Fprintf(t.Out, "Warning: could not end run: %v\n", err)
		}
	}

	return result, nil
}

func (t *Trainer) trackedParams() map[string]string {
	c := t.Config
	return map[string]string{
		"seed":                    fmt.Sprintf("%d", c.Training.Seed),
		"epochs":                  fmt.Sprintf("%d", c.Training.Epochs),
		"batch_size":              fmt.Sprintf("%d", c.Training.BatchSize),
		"learning_rate":           fmt.Sprintf("%g", c.Training.LearningRate),
		"weight_decay":            fmt.Sprintf("%g", c.Training.WeightDecay),
		"early_stopping_patience": fmt.Sprintf("%d", c.Training.EarlyStoppingPatience),
		"scheduler_factor":        fmt.Sprintf("%g", c.Training.Scheduler.Factor),
		"scheduler_patience":      fmt.Sprintf("%d", c.Training.Scheduler.Patience),
		"hflip":                   fmt.Sprintf("%g", c.Augmentation.HorizontalFlip),
		"vflip":                   fmt.Sprintf("%g", c.Augmentation.VerticalFlip),
		"rotation_degrees":        fmt.Sprintf("%g", c.Augmentation.RotationDegrees),
		"rotation_prob":           fmt.Sprintf("%g", c.Augmentation.RotationProb),
		"color_jitter_prob":       fmt.Sprintf("%g", c.Augmentation.ColorJitterProb),
	}
}

// trainEpoch runs one optimization pass over the training loader.
func (t *Trainer) trainEpoch(net network.Network, opt Optimizer, loss *BCEWithLogitsLoss) (splitMetrics, error) {
	net.Train()
	t.Train.Reset()

	var running splitMetrics
	batches := 0
	for {
		batch, err := t.Train.NextBatch()
		if err != nil {
			return splitMetrics{}, err
		}
		if batch == nil {
			break
		}

		opt.ZeroGrad()
		logits, err := net.Forward(batch.Images)
		if err != nil {
			return splitMetrics{}, err
		}
		l, err := loss.Forward(logits, batch.Masks)
		if err != nil {
			return splitMetrics{}, err
		}
		grad, err := loss.Gradient(logits, batch.Masks)
		if err != nil {
			return splitMetrics{}, err
		}
		if err := net.Backward(grad); err != nil {
			return splitMetrics{}, err
		}
		opt.Step()

		m := batchMetrics(logits, batch.Masks)
		running.Loss += l
		running.Acc += m.Acc
		running.Dice += m.Dice
		running.IoU += m.IoU
		batches++
	}
	if batches == 0 {
		return splitMetrics{}, fmt.Errorf("training split is empty")
	}
	return average(running, batches), nil
}

// evaluate runs a no-gradient pass over a loader.
func (t *Trainer) evaluate(net network.Network, loader *dataset.Loader, loss *BCEWithLogitsLoss) (splitMetrics, error) {
	net.Eval()
	loader.Reset()

	var running splitMetrics
	batches := 0
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return splitMetrics{}, err
		}
		if batch == nil {
			break
		}
		logits, err := net.Forward(batch.Images)
		if err != nil {
			return splitMetrics{}, err
		}
		l, err := loss.Forward(logits, batch.Masks)
		if err != nil {
			return splitMetrics{}, err
		}
		m := batchMetrics(logits, batch.Masks)
		running.Loss += l
		running.Acc += m.Acc
		running.Dice += m.Dice
		running.IoU += m.IoU
		batches++
	}
	if batches == 0 {
		return splitMetrics{}, fmt.Errorf("evaluation split is empty")
	}
	return average(running, batches), nil
}

// batchMetrics thresholds logits at probability 0.5 and scores the batch:
// pixel accuracy over all pixels, Dice and IoU averaged per sample.
func batchMetrics(logits, masks *tensor.Tensor) splitMetrics {
	preds := make([]float32, len(logits.Data))
	for i, z := range logits.Data {
		if z > 0 { // sigmoid(z) > 0.5
			preds[i] = 1
		}
	}

	n := logits.Dim(0)
	sampleSize := len(preds) / n

	var dice, iou float64
	for i := 0; i < n; i++ {
		p := preds[i*sampleSize : (i+1)*sampleSize]
		g := masks.Data[i*sampleSize : (i+1)*sampleSize]
		dice += metrics.Dice(p, g)
		iou += metrics.IoU(p, g)
	}
	return splitMetrics{
		Acc:  metrics.PixelAccuracy(preds, masks.Data),
		Dice: dice / float64(n),
		IoU:  iou / float64(n),
	}
}

func average(m splitMetrics, batches int) splitMetrics {
	f := float64(batches)
	return splitMetrics{Loss: m.Loss / f, Acc: m.Acc / f, Dice: m.Dice / f, IoU: m.IoU / f}
}

func (t *Trainer) saveCheckpoint(net network.Network, epoch int, lr float64, val splitMetrics, name string) error {
	ckpt := checkpoints.FromNetwork(net, checkpoints.TrainingState{
		Epoch:        epoch,
		LearningRate: lr,
		ValLoss:      val.Loss,
		ValDice:      val.Dice,
		ValIoU:       val.IoU,
	}, "")
	if err := ckpt.Save(filepath.Join(t.ModelsDir, name)); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", name, err)
	}
	return nil
}

// finalEvaluation scores the global best on the test split with per-sample
// mean Dice, IoU and Hausdorff distance.
func (t *Trainer) finalEvaluation(bestPath string) (dice, iou, hausdorff float64, err error) {
	ckpt, err := checkpoints.Load(bestPath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loading global best for final evaluation: %w", err)
	}
	net := t.NewNetwork(t.Config.Training.Seed)
	if err := ckpt.Restore(net); err != nil {
		return 0, 0, 0, fmt.Errorf("restoring global best: %w", err)
	}
	net.Eval()
	t.Test.Reset()

	var diceSum, iouSum, hdSum float64
	samples := 0
	for {
		batch, err := t.Test.NextBatch()
		if err != nil {
			return 0, 0, 0, err
		}
		if batch == nil {
			break
		}
		logits, err := net.Forward(batch.Images)
		if err != nil {
			return 0, 0, 0, err
		}

		h := batch.Masks.Dim(2)
		w := batch.Masks.Dim(3)
		sampleSize := h * w
		for i := 0; i < batch.Size; i++ {
			p := make([]float32, sampleSize)
			for j := 0; j < sampleSize; j++ {
				if logits.Data[i*sampleSize+j] > 0 {
					p[j] = 1
				}
			}
			g := batch.Masks.Data[i*sampleSize : (i+1)*sampleSize]
			diceSum += metrics.Dice(p, g)
			iouSum += metrics.IoU(p, g)
			hd, err := metrics.SafeHausdorff(p, g, h, w)
			if err != nil {
				return 0, 0, 0, err
			}
			hdSum += hd
			samples++
		}
	}
	if samples == 0 {
		return 0, 0, 0, fmt.Errorf("test split is empty")
	}
	n := float64(samples)
	return diceSum / n, iouSum / n, hdSum / n, nil
}

// writeSessionLog appends the session record the pipeline archives as
// Terminal.log.
func (t *Trainer) writeSessionLog(improved bool, previousBestVal, bestSessionVal float64,
	bestEpoch, epochsRun int, best map[string]float64, epochLines []string) error {

	if err := os.MkdirAll(t.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	status := "NOT IMPROVED"
	if improved {
		status = "IMPROVED — best checkpoint updated"
	}
	rule := strings.Repeat("=", 80)

	lines := []string{
		"",
		rule,
		fmt.Sprintf("Training Session - %s", time.Now().Format("2006-01-02 15:04:05")),
		rule,
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Previous best val_loss: %.4f", previousBestVal),
		fmt.Sprintf("Session best  val_loss: %.4f", bestSessionVal),
		"",
		"Configuration:",
		fmt.Sprintf("  - Epochs: %d", t.Config.Training.Epochs),
		fmt.Sprintf("  - Early stopping patience: %d", t.Config.Training.EarlyStoppingPatience),
		fmt.Sprintf("  - Learning rate: %g", t.Config.Training.LearningRate),
		fmt.Sprintf("  - Batch size: %d", t.Config.Training.BatchSize),
		fmt.Sprintf("  - Seed: %d", t.Config.Training.Seed),
		"",
		"--- Per-epoch metrics ---",
	}
	lines = append(lines, epochLines...)
	lines = append(lines,
		"",
		fmt.Sprintf("Best Model (epoch %d):", bestEpoch),
		"  Validation Metrics:",
		fmt.Sprintf("    - Loss: %.4f", best["val_loss"]),
		fmt.Sprintf("    - Accuracy: %.4f", best["val_acc"]),
		fmt.Sprintf("    - Dice: %.4f", best["val_dice"]),
		fmt.Sprintf("    - IoU: %.4f", best["val_iou"]),
		"",
		"  Test Metrics:",
		fmt.Sprintf("    - Loss: %.4f", best["test_loss"]),
		fmt.Sprintf("    - Accuracy: %.4f", best["test_acc"]),
		fmt.Sprintf("    - Dice: %.4f", best["test_dice"]),
		fmt.Sprintf("    - IoU: %.4f", best["test_iou"]),
		"",
		"Models saved:",
		fmt.Sprintf("  - %s (this session)", checkpoints.SessionBestName),
		fmt.Sprintf("  - %s to %s", checkpoints.EpochName(1), checkpoints.EpochName(epochsRun)),
		rule,
		"",
	)

	path := filepath.Join(t.ResultsDir, "Terminal.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("writing Terminal.log: %w", err)
	}
	fmt.Fprintln(t.Out, "Terminal.log written")
	return nil
}

func (t *Trainer) writeMetricsJSON(r *Result) error {
	out := struct {
		ValDice       float64 `json:"val_dice"`
		ValIoU        float64 `json:"val_iou"`
		TestDice      float64 `json:"test_dice"`
		TestIoU       float64 `json:"test_iou"`
		TestHausdorff float64 `json:"test_hausdorff"`
	}{r.ValDice, r.ValIoU, r.TestDice, r.TestIoU, r.TestHausdorff}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(t.ModelsDir, "metrics.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metrics.json: %w", err)
	}
	return nil
}

func firstOrNone(errs []string) string {
	if len(errs) == 0 {
		return "none"
	}
	return errs[0]
}
