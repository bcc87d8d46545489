package report

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gocv.io/x/gocv"

	"roadseg/internal/tensor"
)

func TestPlotLossWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "UNet_loss.png")
	c := Curves{Train: []float64{0.9, 0.7, 0.5}, Val: []float64{1.0, math.NaN(), 0.6}}
	if err := PlotLoss(c, "UNet", path); err != nil {
		t.Fatalf("PlotLoss: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty plot, stat err=%v", err)
	}
}

func TestPlotLossNeedsData(t *testing.T) {
	if err := PlotLoss(Curves{}, "UNet", filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Fatalf("expected error for empty curves")
	}
}

func TestSampleIndicesDeterministic(t *testing.T) {
	from := []int{10, 11, 12, 13, 14, 15}
	a := SampleIndices(from, 4, 7)
	b := SampleIndices(from, 4, 7)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected same draw, got %v and %v", a, b)
	}
	seen := map[int]bool{}
	for _, v := range a {
		if v < 10 || v > 15 || seen[v] {
			t.Fatalf("bad draw %v", a)
		}
		seen[v] = true
	}
	if got := SampleIndices(from, 20, 7); len(got) != len(from) {
		t.Fatalf("expected draw capped at %d, got %d", len(from), len(got))
	}
}

func TestOverlayPaintsBlueOnlyUnderMask(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 200, 0), 4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()
	mask, err := maskMat([]bool{
		true, false, false, false,
		false, false, false, false,
		false, false, false, false,
		false, false, false, false,
	}, 4, 4)
	if err != nil {
		t.Fatalf("maskMat: %v", err)
	}
	defer mask.Close()

	out, err := Overlay(img, mask)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	defer out.Close()
	painted := out.GetVecbAt(0, 0)
	if painted[0] < 120 || painted[2] > 110 {
		t.Fatalf("masked pixel not blended with blue: %v", painted)
	}
	plain := out.GetVecbAt(3, 3)
	if plain[0] != 0 || plain[2] != 200 {
		t.Fatalf("unmasked pixel changed: %v", plain)
	}
}

func testRow(h, w int) Row {
	img := tensor.New(3, h, w)
	for i := range img.Data {
		img.Data[i] = 0.5
	}
	mask := tensor.New(1, h, w)
	logits := tensor.New(1, h, w)
	for i := range mask.Data {
		if i%w < w/2 {
			mask.Data[i] = 1
			logits.Data[i] = 3
		} else {
			logits.Data[i] = -3
		}
	}
	return Row{Key: "tile", Image: img, Mask: mask, Logits: logits}
}

func TestRenderResultsGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segmentation_results.png")
	rows := []Row{testRow(16, 16), testRow(16, 16)}
	if err := RenderResults(rows, path); err != nil {
		t.Fatalf("RenderResults: %v", err)
	}
	grid := gocv.IMRead(path, gocv.IMReadColor)
	defer grid.Close()
	if grid.Empty() {
		t.Fatalf("grid not written")
	}
	if grid.Cols() != cellSize*len(Columns) || grid.Rows() != headerHeight+cellSize*len(rows) {
		t.Fatalf("unexpected grid size %dx%d", grid.Cols(), grid.Rows())
	}
}

func TestRenderResultsRejectsBadRows(t *testing.T) {
	dir := t.TempDir()
	if err := RenderResults(nil, filepath.Join(dir, "a.png")); err == nil {
		t.Fatalf("expected error for no rows")
	}
	bad := testRow(16, 16)
	bad.Logits = tensor.New(1, 8, 8)
	if err := RenderResults([]Row{bad}, filepath.Join(dir, "b.png")); err == nil {
		t.Fatalf("expected shape error")
	}
}

func TestWriteSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	val := 0.4
	s := Summary{Seed: 42, Samples: 10, Train: 7, Val: 1, Test: 2, Models: []ModelSummary{
		{Model: "UNet", Epochs: 2, FinalTrainLoss: 0.5, FinalValLoss: &val, TestDice: 0.8, TestIoU: 0.7},
	}}
	if err := WriteSummary(s, path); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Summary
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Models[0].Model != "UNet" || *got.Models[0].FinalValLoss != 0.4 || got.Test != 2 {
		t.Fatalf("unexpected summary %+v", got)
	}
}
