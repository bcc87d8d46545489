// Package loss computes the segmentation training objective and its
// gradient with respect to the raw logits.
package loss

import (
	"fmt"
	"math"

	"roadseg/internal/tensor"
)

// DiceSmooth is added to the numerator and denominator of the soft Dice
// term so empty masks do not divide by zero.
const DiceSmooth = 1.0

// Terms is the breakdown of the combined loss.
type Terms struct {
	BCE  float64
	Dice float64
}

// Total is BCE + Dice.
func (t Terms) Total() float64 { return t.BCE + t.Dice }

// Sigmoid is the logistic function.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Combined returns mean binary cross-entropy on logits plus soft Dice loss
// on sigmoid(logits), and the gradient of their sum w.r.t. logits. Targets
// above 0.5 count as foreground.
func Combined(logits, targets *tensor.Tensor) (Terms, *tensor.Tensor, error) {
	if !tensor.SameShape(logits, targets) {
		return Terms{}, nil, fmt.Errorf("loss: logits %v and targets %v differ in shape", logits.Shape, targets.Shape)
	}
	n := float64(logits.Len())
	if n == 0 {
		return Terms{}, nil, fmt.Errorf("loss: empty batch")
	}
	probs := make([]float64, logits.Len())
	truth := make([]float64, logits.Len())
	var bce, inter, sumP, sumT float64
	for i, z := range logits.Data {
		t := 0.0
		if targets.Data[i] > 0.5 {
			t = 1
		}
		truth[i] = t
		// max(z,0) - z*t + log(1+exp(-|z|))
		bce += math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
		p := Sigmoid(z)
		probs[i] = p
		inter += p * t
		sumP += p
		sumT += t
	}
	bce /= n
	num := 2*inter + DiceSmooth
	den := sumP + sumT + DiceSmooth
	terms := Terms{BCE: bce, Dice: 1 - num/den}

	grad := tensor.ZerosLike(logits)
	for i, p := range probs {
		t := truth[i]
		dBCE := (p - t) / n
		// d(1 - num/den)/dp
		dDiceDp := -(2*t*den - num) / (den * den)
		grad.Data[i] = dBCE + dDiceDp*p*(1-p)
	}
	return terms, grad, nil
}
