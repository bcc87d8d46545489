package report

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"roadseg/internal/metrics"
	"roadseg/internal/tensor"
)

// Columns of the results grid, left to right.
var Columns = []string{"Original", "Overlay", "Ground Truth", "Prediction"}

const (
	cellSize     = 192
	headerHeight = 28
	overlayAlpha = 0.5
)

// Row is one test sample: image [3,H,W] RGB in [0,1], mask and logits
// [1,H,W].
type Row struct {
	Key    string
	Image  *tensor.Tensor
	Mask   *tensor.Tensor
	Logits *tensor.Tensor
}

// SampleIndices draws k distinct entries of from with a seeded generator.
func SampleIndices(from []int, k int, seed int64) []int {
	if k > len(from) {
		k = len(from)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(from))
	out := make([]int, k)
	for i := range out {
		out[i] = from[perm[i]]
	}
	return out
}

// imageMat converts an RGB tensor to an 8-bit BGR Mat.
func imageMat(t *tensor.Tensor) (gocv.Mat, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return gocv.Mat{}, fmt.Errorf("report: image tensor %v is not [3,H,W]", t.Shape)
	}
	h, w := t.Shape[1], t.Shape[2]
	plane := h * w
	buf := make([]byte, plane*3)
	for p := 0; p < plane; p++ {
		for c := 0; c < 3; c++ {
			v := t.Data[c*plane+p]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			buf[p*3+(2-c)] = uint8(v*255 + 0.5)
		}
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, buf)
}

// maskMat turns a binary mask into a 0/255 single-channel Mat.
func maskMat(mask []bool, h, w int) (gocv.Mat, error) {
	if len(mask) != h*w {
		return gocv.Mat{}, fmt.Errorf("report: mask has %d pixels, want %d", len(mask), h*w)
	}
	buf := make([]byte, h*w)
	for i, on := range mask {
		if on {
			buf[i] = 255
		}
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, buf)
}

// Overlay blends a blue mask over img where pred is set. img is BGR 8-bit.
func Overlay(img gocv.Mat, pred gocv.Mat) (gocv.Mat, error) {
	if img.Rows() != pred.Rows() || img.Cols() != pred.Cols() {
		return gocv.Mat{}, errors.New("report: image and mask sizes differ")
	}
	blue := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), img.Rows(), img.Cols(), gocv.MatTypeCV8UC3)
	defer blue.Close()
	painted := img.Clone()
	defer painted.Close()
	blue.CopyToWithMask(&painted, pred)

	out := gocv.NewMat()
	if err := gocv.AddWeighted(img, 1-overlayAlpha, painted, overlayAlpha, 0, &out); err != nil {
		out.Close()
		return gocv.Mat{}, fmt.Errorf("report: blend overlay: %w", err)
	}
	return out, nil
}

// panels renders the four grid cells of one row.
func panels(r Row) ([]image.Image, error) {
	if r.Image == nil || r.Mask == nil || r.Logits == nil {
		return nil, fmt.Errorf("report: row %q is incomplete", r.Key)
	}
	if len(r.Mask.Shape) != 3 || !tensor.SameShape(r.Mask, r.Logits) {
		return nil, fmt.Errorf("report: row %q mask %v and logits %v differ", r.Key, r.Mask.Shape, r.Logits.Shape)
	}
	h, w := r.Mask.Shape[1], r.Mask.Shape[2]
	if r.Image.Shape[1] != h || r.Image.Shape[2] != w {
		return nil, fmt.Errorf("report: row %q image %v does not match mask %v", r.Key, r.Image.Shape, r.Mask.Shape)
	}

	img, err := imageMat(r.Image)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	truth, err := maskMat(metrics.Binarize(r.Mask.Data), h, w)
	if err != nil {
		return nil, err
	}
	defer truth.Close()
	pred, err := maskMat(metrics.Threshold(r.Logits.Data), h, w)
	if err != nil {
		return nil, err
	}
	defer pred.Close()
	over, err := Overlay(img, pred)
	if err != nil {
		return nil, err
	}
	defer over.Close()

	out := make([]image.Image, 0, len(Columns))
	for _, m := range []gocv.Mat{img, over, truth, pred} {
		im, err := m.ToImage()
		if err != nil {
			return nil, fmt.Errorf("report: convert row %q: %w", r.Key, err)
		}
		out = append(out, im)
	}
	return out, nil
}

// RenderResults writes a grid with one row per sample and the four Columns
// to path.
func RenderResults(rows []Row, path string) error {
	if len(rows) == 0 {
		return errors.New("report: no rows to render")
	}
	width := cellSize * len(Columns)
	height := headerHeight + cellSize*len(rows)
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for y, r := range rows {
		cells, err := panels(r)
		if err != nil {
			return err
		}
		for x, cell := range cells {
			dst := image.Rect(x*cellSize, headerHeight+y*cellSize, (x+1)*cellSize, headerHeight+(y+1)*cellSize)
			scaler := draw.Interpolator(draw.ApproxBiLinear)
			if x >= 2 {
				scaler = draw.NearestNeighbor
			}
			scaler.Scale(canvas, dst, cell, cell.Bounds(), draw.Src, nil)
		}
	}

	grid, err := gocv.ImageToMatRGB(canvas)
	if err != nil {
		return fmt.Errorf("report: grid to mat: %w", err)
	}
	defer grid.Close()
	for x, title := range Columns {
		gocv.PutText(&grid, title, image.Pt(x*cellSize+8, headerHeight-9),
			gocv.FontHersheySimplex, 0.6, color.RGBA{A: 255}, 1)
	}
	if ok := gocv.IMWrite(path, grid); !ok {
		return fmt.Errorf("report: write %s failed", path)
	}
	return nil
}
