package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"roadseg/internal/dataset"
	"roadseg/internal/loss"
	"roadseg/internal/metrics"
	"roadseg/internal/model"
	"roadseg/internal/nn"
	"roadseg/internal/optim"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs       int
	BatchSize    int
	NumWorkers   int
	LearningRate float64
	Patience     int
	Factor       float64
	Seed         int64
	// LogEvery emits a debug line every N training batches; zero disables it.
	LogEvery int
	Log      zerolog.Logger
}

// Data is what a model trains and is scored on. Train usually augments;
// Eval must not.
type Data struct {
	Train  dataset.Source
	Eval   dataset.Source
	Splits dataset.Splits
}

// History is the per-epoch record of one training run. ValLoss holds NaN
// for every epoch when there is no validation split.
type History struct {
	TrainLoss []float64
	ValLoss   []float64
	LR        []float64
}

// Result is the outcome of TrainModel.
type Result struct {
	Model       string
	Params      int
	History     History
	TestDice    float64
	TestIoU     float64
	TestSamples int
	// NonBinaryMasks counts training samples whose mask had gray levels.
	NonBinaryMasks int
	Elapsed        time.Duration
}

func (c RunConfig) validate() error {
	if c.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if c.LearningRate <= 0 {
		return errors.New("trainer: learning rate must be > 0")
	}
	if c.Factor <= 0 || c.Factor >= 1 {
		return fmt.Errorf("trainer: scheduler factor %g outside (0,1)", c.Factor)
	}
	return nil
}

func (c RunConfig) loaderOptions(indices []int, shuffle bool, seed int64) dataset.LoaderOptions {
	return dataset.LoaderOptions{
		Indices:    indices,
		BatchSize:  c.BatchSize,
		Shuffle:    shuffle,
		Seed:       seed,
		NumWorkers: c.NumWorkers,
	}
}

// TrainModel fits mdl on the training split with Adam and a plateau
// scheduler driven by validation loss, then scores Dice and IoU on the
// test split.
func TrainModel(ctx context.Context, cfg RunConfig, mdl model.Model, data Data) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if len(data.Splits.Train) == 0 {
		return Result{}, errors.New("trainer: empty training split")
	}
	if len(data.Splits.Test) == 0 {
		return Result{}, errors.New("trainer: empty test split")
	}
	log := cfg.Log.With().Str("model", mdl.Name()).Logger()

	params := mdl.Params()
	opt := optim.NewAdam(params, cfg.LearningRate)
	sched := optim.NewPlateau(opt, cfg.Factor, cfg.Patience)
	res := Result{Model: mdl.Name(), Params: nn.CountParams(params)}
	start := time.Now()

	log.Info().
		Int("params", res.Params).
		Int("train", len(data.Splits.Train)).
		Int("val", len(data.Splits.Val)).
		Int("test", len(data.Splits.Test)).
		Msg("training started")

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		epochStart := time.Now()
		trainSnap, nonBinary, err := trainEpoch(ctx, cfg, mdl, opt, data, epoch, log)
		if err != nil {
			return res, fmt.Errorf("trainer: %s epoch %d: %w", mdl.Name(), epoch, err)
		}
		res.NonBinaryMasks += nonBinary

		valLoss := math.NaN()
		if len(data.Splits.Val) > 0 {
			if valLoss, err = Evaluate(ctx, cfg, mdl, data.Eval, data.Splits.Val); err != nil {
				return res, fmt.Errorf("trainer: %s epoch %d validation: %w", mdl.Name(), epoch, err)
			}
		}

		lr := opt.LR
		monitored := valLoss
		if math.IsNaN(monitored) {
			monitored = trainSnap.MeanLoss
		}
		if sched.Step(monitored) {
			log.Info().Int("epoch", epoch).Float64("lr", opt.LR).Msg("learning rate reduced")
		}

		res.History.TrainLoss = append(res.History.TrainLoss, trainSnap.MeanLoss)
		res.History.ValLoss = append(res.History.ValLoss, valLoss)
		res.History.LR = append(res.History.LR, lr)

		log.Info().
			Int("epoch", epoch).
			Int("epochs", cfg.Epochs).
			Float64("train_loss", trainSnap.MeanLoss).
			Float64("val_loss", valLoss).
			Float64("lr", lr).
			Float64("images_per_sec", trainSnap.ImagesPerSec).
			Dur("elapsed", time.Since(epochStart)).
			Msg("epoch done")
	}

	var seg metrics.Segmentation
	err := dataset.Collect(ctx, data.Eval, cfg.loaderOptions(data.Splits.Test, false, cfg.Seed), func(b dataset.Batch) error {
		logits := mdl.Forward(b.Images, false)
		return seg.AddBatch(logits, b.Masks)
	})
	if err != nil {
		return res, fmt.Errorf("trainer: %s test: %w", mdl.Name(), err)
	}
	res.TestDice = seg.MeanDice()
	res.TestIoU = seg.MeanIoU()
	res.TestSamples = seg.Count()
	res.Elapsed = time.Since(start)

	log.Info().
		Float64("dice", res.TestDice).
		Float64("iou", res.TestIoU).
		Int("samples", res.TestSamples).
		Dur("elapsed", res.Elapsed).
		Msg("test metrics")
	return res, nil
}

func trainEpoch(ctx context.Context, cfg RunConfig, mdl model.Model, opt *optim.Adam, data Data, epoch int, log zerolog.Logger) (metrics.Snapshot, int, error) {
	var window, recent metrics.Window
	nonBinary := 0
	step := 0
	startData := time.Now()
	err := dataset.Collect(ctx, data.Train, cfg.loaderOptions(data.Splits.Train, true, cfg.Seed+int64(epoch)), func(b dataset.Batch) error {
		dataTime := time.Since(startData)
		if err := model.CheckInput(b.Images, 3); err != nil {
			return err
		}

		startCompute := time.Now()
		opt.ZeroGrad()
		logits := mdl.Forward(b.Images, true)
		terms, grad, err := loss.Combined(logits, b.Masks)
		if err != nil {
			return err
		}
		if math.IsNaN(terms.Total()) {
			return fmt.Errorf("loss is NaN at batch %d", step+1)
		}
		mdl.Backward(grad)
		opt.Step()
		computeTime := time.Since(startCompute)

		step++
		nonBinary += b.NonBinaryMasks
		window.Record(b.Size(), dataTime, computeTime, terms.Total())
		recent.Record(b.Size(), dataTime, computeTime, terms.Total())
		if cfg.LogEvery > 0 && step%cfg.LogEvery == 0 {
			snap := recent.Snapshot()
			log.Debug().
				Int("epoch", epoch).
				Int("step", step).
				Float64("loss", snap.MeanLoss).
				Float64("bce", terms.BCE).
				Float64("dice_loss", terms.Dice).
				Float64("images_per_sec", snap.ImagesPerSec).
				Float64("data_ms", snap.AvgDataMS).
				Float64("compute_ms", snap.AvgComputeMS).
				Msg("train step")
		}
		startData = time.Now()
		return nil
	})
	if err != nil {
		return metrics.Snapshot{}, nonBinary, err
	}
	return window.Snapshot(), nonBinary, nil
}

// Evaluate returns the sample-weighted mean combined loss of mdl over
// indices in evaluation mode. Parameters are not touched.
func Evaluate(ctx context.Context, cfg RunConfig, mdl model.Model, src dataset.Source, indices []int) (float64, error) {
	var window metrics.Window
	err := dataset.Collect(ctx, src, cfg.loaderOptions(indices, false, cfg.Seed), func(b dataset.Batch) error {
		if err := model.CheckInput(b.Images, 3); err != nil {
			return err
		}
		logits := mdl.Forward(b.Images, false)
		terms, _, err := loss.Combined(logits, b.Masks)
		if err != nil {
			return err
		}
		window.Record(b.Size(), 0, 0, terms.Total())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return window.Snapshot().MeanLoss, nil
}
