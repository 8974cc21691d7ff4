package checkpoints

import (
	"path/filepath"
	"testing"

	"wms/network"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	net := network.NewWaterMeterNet(3, 4, 42)
	state := TrainingState{
		Epoch:        7,
		LearningRate: 5e-4,
		ValLoss:      0.123,
		ValDice:      0.87,
		ValIoU:       0.79,
	}

	ckpt := FromNetwork(net, state, "round trip test")
	path := filepath.Join(t.TempDir(), "best.json")
	if err := ckpt.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.TrainingState != state {
		t.Errorf("training state: got %+v, want %+v", loaded.TrainingState, state)
	}
	if len(loaded.Weights) != len(ckpt.Weights) {
		t.Fatalf("weight count: got %d, want %d", len(loaded.Weights), len(ckpt.Weights))
	}

	// Restoring into a differently-seeded network makes it match the original.
	other := network.NewWaterMeterNet(3, 4, 99)
	if err := loaded.Restore(other); err != nil {
		t.Fatalf("restore: %v", err)
	}
	pa, pb := net.Parameters(), other.Parameters()
	for i := range pa {
		for j := range pa[i].Value.Data {
			if pa[i].Value.Data[j] != pb[i].Value.Data[j] {
				t.Fatalf("weights differ after restore at %s[%d]", pa[i].Name, j)
			}
		}
	}
}

func TestRestoreShapeMismatch(t *testing.T) {
	small := network.NewWaterMeterNet(3, 4, 1)
	big := network.NewWaterMeterNet(3, 8, 1)

	ckpt := FromNetwork(small, TrainingState{}, "")
	if err := ckpt.Restore(big); err == nil {
		t.Error("expected error restoring mismatched filter counts")
	}
}

func TestRestoreMissingParameter(t *testing.T) {
	net := network.NewWaterMeterNet(3, 4, 1)
	ckpt := FromNetwork(net, TrainingState{}, "")
	ckpt.Weights = ckpt.Weights[:len(ckpt.Weights)-1]

	if err := ckpt.Restore(net); err == nil {
		t.Error("expected error for missing parameter")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSnapshotIsIndependentOfNetwork(t *testing.T) {
	net := network.NewWaterMeterNet(3, 4, 5)
	ckpt := FromNetwork(net, TrainingState{}, "")

	first := net.Parameters()[0]
	saved := ckpt.WeightByName(first.Name)
	if saved == nil {
		t.Fatalf("weight %s not found in checkpoint", first.Name)
	}
	before := saved.Data[0]
	first.Value.Data[0] += 10

	if saved.Data[0] != before {
		t.Error("checkpoint shares backing storage with the live network")
	}
}

func TestEpochName(t *testing.T) {
	if got := EpochName(3); got != "epoch003.json" {
		t.Errorf("EpochName(3) = %s", got)
	}
	if got := EpochName(120); got != "epoch120.json" {
		t.Errorf("EpochName(120) = %s", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, GlobalBestName)
	if Exists(path) {
		t.Error("Exists true for absent file")
	}
	net := network.NewWaterMeterNet(3, 4, 1)
	if err := FromNetwork(net, TrainingState{}, "").Save(path); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists false for saved checkpoint")
	}
}
