package dataset

import (
	"math/rand"
	"reflect"
	"testing"

	"gocv.io/x/gocv"
)

const codedSize = 64

// newCodedPair builds an image whose every channel equals the mask, so a
// spatial transform applied consistently keeps image and mask foreground
// identical.
func newCodedPair(t *testing.T) *matPair {
	t.Helper()
	mask := gocv.Zeros(codedSize, codedSize, gocv.MatTypeCV8UC1)
	img := gocv.Zeros(codedSize, codedSize, gocv.MatTypeCV32FC3)
	data, err := img.DataPtrFloat32()
	if err != nil {
		t.Fatalf("image data: %v", err)
	}
	for y := 20; y < 40; y++ {
		for x := 10; x < 34; x++ {
			mask.SetUCharAt(y, x, 1)
			for c := 0; c < 3; c++ {
				data[(y*codedSize+x)*3+c] = 1
			}
		}
	}
	return &matPair{image: img, mask: mask}
}

func foreground(t *testing.T, p *matPair) (img, mask []bool) {
	t.Helper()
	fdata, err := p.image.DataPtrFloat32()
	if err != nil {
		t.Fatalf("image data: %v", err)
	}
	mdata, err := p.mask.DataPtrUint8()
	if err != nil {
		t.Fatalf("mask data: %v", err)
	}
	img = make([]bool, len(mdata))
	mask = make([]bool, len(mdata))
	for i := range mdata {
		img[i] = fdata[i*3] > 0.5
		mask[i] = mdata[i] > 0
	}
	return img, mask
}

func mismatches(a, b []bool) int {
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

func TestFlipsMoveImageAndMaskTogether(t *testing.T) {
	for _, tr := range []Transform{HorizontalFlip{}, VerticalFlip{}} {
		p := newCodedPair(t)
		_, before := foreground(t, p)
		if err := tr.Apply(p, rand.New(rand.NewSource(1))); err != nil {
			t.Fatalf("%s: %v", tr.Name(), err)
		}
		img, mask := foreground(t, p)
		if n := mismatches(img, mask); n != 0 {
			t.Fatalf("%s: %d pixels disagree between image and mask", tr.Name(), n)
		}
		if reflect.DeepEqual(before, mask) {
			t.Fatalf("%s: mask did not move", tr.Name())
		}
		p.Close()
	}
}

func TestRotateKeepsImageAndMaskAligned(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 5; trial++ {
		p := newCodedPair(t)
		if err := (Rotate{Limit: 30}).Apply(p, rng); err != nil {
			t.Fatalf("rotate: %v", err)
		}
		img, mask := foreground(t, p)
		// linear vs nearest sampling may only disagree on the rectangle's
		// boundary (perimeter 88 pixels)
		if n := mismatches(img, mask); n > 88 {
			t.Fatalf("trial %d: %d pixels disagree", trial, n)
		}
		p.Close()
	}
}

func TestRotateQuarterTurnIsExact(t *testing.T) {
	p := newCodedPair(t)
	defer p.Close()
	if err := (Rotate{Angle: 90}).Apply(p, nil); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	img, mask := foreground(t, p)
	if n := mismatches(img, mask); n != 0 {
		t.Fatalf("%d pixels disagree after 90 degree rotation", n)
	}
	count := 0
	for _, v := range mask {
		if v {
			count++
		}
	}
	if count != 24*20 {
		t.Fatalf("rotation changed foreground area: %d", count)
	}
}

func TestPhotometricLeavesMaskUntouched(t *testing.T) {
	p := newCodedPair(t)
	defer p.Close()
	before, err := p.mask.DataPtrUint8()
	if err != nil {
		t.Fatalf("mask data: %v", err)
	}
	maskCopy := append([]uint8(nil), before...)
	imgBefore, _ := p.image.DataPtrFloat32()
	imgCopy := append([]float32(nil), imgBefore...)

	pl := &Pipeline{P: 1, Transforms: []Transform{
		BrightnessContrast{BrightnessLimit: 0.2, ContrastLimit: 0.2},
		GaussianNoise{MinStd: 0.01, MaxStd: 0.02},
	}}
	applied, err := pl.Apply(p, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected both transforms, got %v", applied)
	}
	after, _ := p.mask.DataPtrUint8()
	if !reflect.DeepEqual(maskCopy, after) {
		t.Fatalf("photometric transform modified the mask")
	}
	imgAfter, _ := p.image.DataPtrFloat32()
	if reflect.DeepEqual(imgCopy, imgAfter) {
		t.Fatalf("photometric transforms left the image unchanged")
	}
}

func TestPipelineDeterministicForSeed(t *testing.T) {
	run := func() ([]string, []uint8) {
		p := newCodedPair(t)
		defer p.Close()
		applied, err := NewPipeline(0.5).Apply(p, rand.New(rand.NewSource(42)))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		data, _ := p.mask.DataPtrUint8()
		return applied, append([]uint8(nil), data...)
	}
	a1, m1 := run()
	a2, m2 := run()
	if !reflect.DeepEqual(a1, a2) || !reflect.DeepEqual(m1, m2) {
		t.Fatalf("pipeline not deterministic: %v vs %v", a1, a2)
	}
}

func TestNewPipelineOrder(t *testing.T) {
	pl := NewPipeline(0.5)
	var names []string
	for _, tr := range pl.Transforms {
		names = append(names, tr.Name())
	}
	want := []string{"hflip", "vflip", "brightness_contrast", "rotate", "gauss_noise"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected order %v", names)
	}
}
