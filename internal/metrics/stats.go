package metrics

import "time"

// Window accumulates batch losses and loader/compute timings until the
// next Snapshot. Losses are weighted by batch size so a short final batch
// does not skew the epoch mean.
type Window struct {
	images   int
	batches  int
	weighted float64
	last     float64
	waiting  time.Duration
	working  time.Duration
}

// Record adds one batch of batchSize images with its mean loss.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.images += batchSize
	w.batches++
	w.weighted += float64(batchSize) * loss
	w.last = loss
	w.waiting += dataTime
	w.working += computeTime
}

// Snapshot summarizes the window and clears it.
func (w *Window) Snapshot() Snapshot {
	defer func() { *w = Window{} }()

	snap := Snapshot{Samples: w.images, Steps: w.batches, LastLoss: w.last}
	if w.images > 0 {
		snap.MeanLoss = w.weighted / float64(w.images)
	}
	if busy := w.waiting + w.working; busy > 0 {
		snap.ImagesPerSec = float64(w.images) / busy.Seconds()
	}
	if w.batches > 0 {
		perBatch := float64(w.batches) / 1000
		snap.AvgDataMS = w.waiting.Seconds() / perBatch
		snap.AvgComputeMS = w.working.Seconds() / perBatch
	}
	return snap
}

// Snapshot is one summarized window.
type Snapshot struct {
	Samples      int
	Steps        int
	MeanLoss     float64
	LastLoss     float64
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
}
