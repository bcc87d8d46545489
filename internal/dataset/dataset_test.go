package dataset

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

// writeFixture stores a blue 32x24 image and a mask whose left half is road.
func writeFixture(t *testing.T, dir, stem string, maskValue uint8) Sample {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 24, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	mask := gocv.Zeros(24, 32, gocv.MatTypeCV8UC1)
	defer mask.Close()
	for y := 0; y < 24; y++ {
		for x := 0; x < 16; x++ {
			mask.SetUCharAt(y, x, maskValue)
		}
	}
	s := Sample{
		Key:       stem,
		ImagePath: filepath.Join(dir, stem+".png"),
		MaskPath:  filepath.Join(dir, stem+"_mask.png"),
	}
	if !gocv.IMWrite(s.ImagePath, img) || !gocv.IMWrite(s.MaskPath, mask) {
		t.Fatalf("failed to write fixture %s", stem)
	}
	return s
}

func TestGetShapesAndValues(t *testing.T) {
	dir := t.TempDir()
	ds, err := New([]Sample{writeFixture(t, dir, "a", 255)}, Options{MaskThreshold: 127})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pair, err := ds.Get(0, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := pair.Image.Shape; len(got) != 3 || got[0] != 3 || got[1] != 24 || got[2] != 32 {
		t.Fatalf("unexpected image shape %v", got)
	}
	if got := pair.Mask.Shape; len(got) != 3 || got[0] != 1 || got[1] != 24 || got[2] != 32 {
		t.Fatalf("unexpected mask shape %v", got)
	}
	plane := 24 * 32
	// pure blue in RGB order
	if pair.Image.Data[0] != 0 || pair.Image.Data[plane] != 0 || pair.Image.Data[2*plane] != 1 {
		t.Fatalf("unexpected pixel %v %v %v", pair.Image.Data[0], pair.Image.Data[plane], pair.Image.Data[2*plane])
	}
	if pair.Mask.Data[0] != 1 || pair.Mask.Data[31] != 0 {
		t.Fatalf("mask not binarized as expected: %v %v", pair.Mask.Data[0], pair.Mask.Data[31])
	}
	if pair.MaskNonBinary {
		t.Fatalf("0/255 mask flagged as non-binary")
	}
}

func TestGetResizesAndFlagsGrayMasks(t *testing.T) {
	dir := t.TempDir()
	ds, err := New([]Sample{writeFixture(t, dir, "g", 200)}, Options{Size: 16, MaskThreshold: 127})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pair, err := ds.Get(0, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pair.Image.Shape[1] != 16 || pair.Image.Shape[2] != 16 || pair.Mask.Shape[1] != 16 {
		t.Fatalf("resize ignored: %v %v", pair.Image.Shape, pair.Mask.Shape)
	}
	if !pair.MaskNonBinary {
		t.Fatalf("expected gray mask to be flagged")
	}
	for _, v := range pair.Mask.Data {
		if v != 0 && v != 1 {
			t.Fatalf("mask value %v not binary", v)
		}
	}
}

func TestGetWithAugmentationKeepsShapes(t *testing.T) {
	dir := t.TempDir()
	ds, err := New([]Sample{writeFixture(t, dir, "aug", 255)}, Options{Size: 32, MaskThreshold: 127, Augment: NewPipeline(1)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pair, err := ds.Get(0, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(pair.Augmentations) != 5 {
		t.Fatalf("expected every transform with p=1, got %v", pair.Augmentations)
	}
	for _, v := range pair.Image.Data {
		if v < 0 || v > 1 {
			t.Fatalf("image value %v outside [0,1]", v)
		}
	}
	if pair.Image.Shape[1] != pair.Mask.Shape[1] || pair.Image.Shape[2] != pair.Mask.Shape[2] {
		t.Fatalf("image %v and mask %v disagree", pair.Image.Shape, pair.Mask.Shape)
	}
	if _, err := ds.Get(0, nil); err == nil {
		t.Fatalf("expected error without random source")
	}
}

func TestGetMissingFile(t *testing.T) {
	dir := t.TempDir()
	ds, err := New([]Sample{{Key: "x", ImagePath: filepath.Join(dir, "x.png"), MaskPath: filepath.Join(dir, "x_mask.png")}}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ds.Get(0, nil); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := ds.Get(3, nil); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestNewRejectsBadSamples(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for empty sample list")
	}
	if _, err := New([]Sample{{Key: "a", ImagePath: "a.png"}}, Options{}); err == nil {
		t.Fatalf("expected error for missing mask path")
	}
}
