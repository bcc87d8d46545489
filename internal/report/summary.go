package report

import (
	"encoding/json"
	"fmt"
	"os"
)

// ModelSummary is the per-model entry of summary.json.
type ModelSummary struct {
	Model          string    `json:"model"`
	Epochs         int       `json:"epochs"`
	FinalTrainLoss float64   `json:"final_train_loss"`
	FinalValLoss   *float64  `json:"final_val_loss,omitempty"`
	FinalLR        float64   `json:"final_lr"`
	TestDice       float64   `json:"test_dice"`
	TestIoU        float64   `json:"test_iou"`
	TestSamples    int       `json:"test_samples"`
	Params         int       `json:"params"`
	ElapsedSec     float64   `json:"elapsed_sec"`
	LossPlot       string    `json:"loss_plot,omitempty"`
	TrainLoss      []float64 `json:"train_loss"`
}

// Summary is the document written by WriteSummary.
type Summary struct {
	Seed    int64          `json:"seed"`
	Samples int            `json:"samples"`
	Train   int            `json:"train"`
	Val     int            `json:"val"`
	Test    int            `json:"test"`
	Models  []ModelSummary `json:"models"`
	Results string         `json:"results_image,omitempty"`
}

// WriteSummary stores s as indented JSON at path.
func WriteSummary(s Summary, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: write summary: %w", err)
	}
	return nil
}
