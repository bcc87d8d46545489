// Package metrics accumulates training losses and segmentation quality
// scores.
package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"roadseg/internal/loss"
	"roadseg/internal/tensor"
)

// Threshold turns logits into hard foreground decisions at probability 0.5.
func Threshold(logits []float64) []bool {
	out := make([]bool, len(logits))
	for i, z := range logits {
		out[i] = loss.Sigmoid(z) > 0.5
	}
	return out
}

// Binarize marks target values above 0.5 as foreground.
func Binarize(values []float64) []bool {
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = v > 0.5
	}
	return out
}

func overlap(pred, truth []bool) (inter, predN, truthN int) {
	for i := range pred {
		if pred[i] {
			predN++
		}
		if truth[i] {
			truthN++
		}
		if pred[i] && truth[i] {
			inter++
		}
	}
	return inter, predN, truthN
}

// Dice is 2|P∩G| / (|P|+|G|). Two empty masks score 1.
func Dice(pred, truth []bool) float64 {
	inter, p, g := overlap(pred, truth)
	if p+g == 0 {
		return 1
	}
	return 2 * float64(inter) / float64(p+g)
}

// IoU is |P∩G| / |P∪G|. Two empty masks score 1.
func IoU(pred, truth []bool) float64 {
	inter, p, g := overlap(pred, truth)
	union := p + g - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// Segmentation collects per-image Dice and IoU scores.
type Segmentation struct {
	dice []float64
	iou  []float64
}

// AddBatch scores every image of a batch of logits [N,1,H,W] against its
// masks.
func (s *Segmentation) AddBatch(logits, masks *tensor.Tensor) error {
	if !tensor.SameShape(logits, masks) {
		return fmt.Errorf("metrics: logits %v and masks %v differ in shape", logits.Shape, masks.Shape)
	}
	for i := 0; i < logits.Shape[0]; i++ {
		pred := Threshold(logits.SampleSlice(i))
		truth := Binarize(masks.SampleSlice(i))
		s.dice = append(s.dice, Dice(pred, truth))
		s.iou = append(s.iou, IoU(pred, truth))
	}
	return nil
}

// Count is the number of scored images.
func (s *Segmentation) Count() int { return len(s.dice) }

// MeanDice averages Dice over every scored image.
func (s *Segmentation) MeanDice() float64 {
	if len(s.dice) == 0 {
		return 0
	}
	return stat.Mean(s.dice, nil)
}

// MeanIoU averages IoU over every scored image.
func (s *Segmentation) MeanIoU() float64 {
	if len(s.iou) == 0 {
		return 0
	}
	return stat.Mean(s.iou, nil)
}
