package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"roadseg/internal/config"
	"roadseg/internal/dataset"
	"roadseg/internal/logging"
	"roadseg/internal/model"
	"roadseg/internal/report"
	"roadseg/internal/tensor"
)

// Artifacts lists the files written by Run.
type Artifacts struct {
	LossPlots map[string]string
	Results   string
	Summary   string
}

// Paths returns every image artifact, plots first.
func (a Artifacts) Paths(models []string) []string {
	var out []string
	for _, m := range models {
		if p, ok := a.LossPlots[m]; ok {
			out = append(out, p)
		}
	}
	if a.Results != "" {
		out = append(out, a.Results)
	}
	return out
}

// Run pairs and splits the dataset once, trains every configured model on
// it and writes the loss plots, the results grid and summary.json.
func Run(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Artifacts, error) {
	art := Artifacts{LossPlots: map[string]string{}}
	if err := cfg.Validate(); err != nil {
		return art, err
	}
	dataLog := logging.Component(log, "dataset")
	trainLog := logging.Component(log, "trainer")
	reportLog := logging.Component(log, "report")

	for _, name := range cfg.Models {
		if !model.Known(name) {
			return art, fmt.Errorf("%w %q (known: %v)", model.ErrUnknownModel, name, model.Names())
		}
	}

	samples, err := dataset.PairFiles(cfg.ImageDir, cfg.MaskDir, cfg.MaskSuffix, cfg.SampleCount)
	if err != nil {
		return art, err
	}
	ds, err := dataset.New(samples, dataset.Options{Size: cfg.ImageSize, MaskThreshold: cfg.MaskThreshold})
	if err != nil {
		return art, err
	}
	splits, err := dataset.Split(ds.Len(), dataset.Ratios{Train: cfg.Split.Train, Val: cfg.Split.Val}, cfg.Seed)
	if err != nil {
		return art, fmt.Errorf("trainer: %w", err)
	}
	train := ds
	if cfg.AugmentEnabled() {
		train = ds.WithAugment(dataset.NewPipeline(0.5))
	}
	data := Data{Train: train, Eval: ds, Splits: splits}

	dataLog.Info().
		Int("samples", ds.Len()).
		Int("train", len(splits.Train)).
		Int("val", len(splits.Val)).
		Int("test", len(splits.Test)).
		Int("image_size", cfg.ImageSize).
		Bool("augment", cfg.AugmentEnabled()).
		Msg("dataset ready")
	if len(splits.Val) == 0 {
		dataLog.Warn().Msg("validation split is empty; scheduler follows training loss")
	}
	trainLog.Info().
		Str("device", "cpu").
		Int("workers", cfg.NumWorkers).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("compute")

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return art, fmt.Errorf("trainer: create output dir: %w", err)
	}

	runCfg := RunConfig{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		NumWorkers:   cfg.NumWorkers,
		LearningRate: cfg.LearningRate,
		Patience:     cfg.Scheduler.Patience,
		Factor:       cfg.Scheduler.Factor,
		Seed:         cfg.Seed,
		LogEvery:     10,
		Log:          trainLog,
	}
	summary := report.Summary{
		Seed:    cfg.Seed,
		Samples: ds.Len(),
		Train:   len(splits.Train),
		Val:     len(splits.Val),
		Test:    len(splits.Test),
	}
	trained := map[string]model.Model{}
	warned := false

	for _, name := range cfg.Models {
		mdl, err := model.New(name, model.Options{
			BaseChannels:   cfg.BaseChannels,
			AttentionHeads: cfg.AttentionHeads,
			Seed:           cfg.Seed,
		})
		if err != nil {
			return art, err
		}
		res, err := TrainModel(ctx, runCfg, mdl, data)
		if err != nil {
			return art, err
		}
		trained[name] = mdl
		if res.NonBinaryMasks > 0 && !warned {
			dataLog.Warn().
				Int("masks", res.NonBinaryMasks/cfg.Epochs).
				Float64("threshold", cfg.MaskThreshold).
				Msg("masks with gray levels were binarized")
			warned = true
		}

		plotPath := filepath.Join(cfg.OutputDir, res.Model+"_loss.png")
		if err := report.PlotLoss(report.Curves{Train: res.History.TrainLoss, Val: res.History.ValLoss}, res.Model, plotPath); err != nil {
			return art, err
		}
		art.LossPlots[name] = plotPath
		reportLog.Info().Str("path", plotPath).Msg("loss plot saved")
		summary.Models = append(summary.Models, modelSummary(res, plotPath))
	}

	if mdl, ok := trained[cfg.VisualizeModel]; ok && cfg.VisualizeSamples > 0 {
		rows, err := Predict(ctx, mdl, ds, report.SampleIndices(splits.Test, cfg.VisualizeSamples, cfg.Seed))
		if err != nil {
			return art, err
		}
		art.Results = filepath.Join(cfg.OutputDir, "segmentation_results.png")
		if err := report.RenderResults(rows, art.Results); err != nil {
			return art, err
		}
		summary.Results = art.Results
		reportLog.Info().Str("path", art.Results).Str("model", mdl.Name()).Int("rows", len(rows)).Msg("results grid saved")
	} else if cfg.VisualizeSamples > 0 {
		reportLog.Warn().Str("model", cfg.VisualizeModel).Msg("visualize_model was not trained; skipping results grid")
	}

	art.Summary = filepath.Join(cfg.OutputDir, "summary.json")
	if err := report.WriteSummary(summary, art.Summary); err != nil {
		return art, err
	}
	reportLog.Info().Str("path", art.Summary).Msg("summary saved")
	return art, nil
}

// Predict runs mdl in evaluation mode on each index of src and pairs the
// logits with the decoded sample.
func Predict(ctx context.Context, mdl model.Model, src dataset.Source, indices []int) ([]report.Row, error) {
	rows := make([]report.Row, 0, len(indices))
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pair, err := src.Get(idx, nil)
		if err != nil {
			return nil, fmt.Errorf("trainer: predict sample %d: %w", idx, err)
		}
		x, err := tensor.Stack([]*tensor.Tensor{pair.Image})
		if err != nil {
			return nil, err
		}
		if err := model.CheckInput(x, 3); err != nil {
			return nil, err
		}
		logits := mdl.Forward(x, false)
		rows = append(rows, report.Row{
			Key:    pair.Key,
			Image:  pair.Image,
			Mask:   pair.Mask,
			Logits: logits.Index(0),
		})
	}
	return rows, nil
}

func modelSummary(res Result, plotPath string) report.ModelSummary {
	last := len(res.History.TrainLoss) - 1
	s := report.ModelSummary{
		Model:          res.Model,
		Epochs:         len(res.History.TrainLoss),
		FinalTrainLoss: res.History.TrainLoss[last],
		FinalLR:        res.History.LR[last],
		TestDice:       res.TestDice,
		TestIoU:        res.TestIoU,
		TestSamples:    res.TestSamples,
		Params:         res.Params,
		ElapsedSec:     res.Elapsed.Seconds(),
		LossPlot:       plotPath,
		TrainLoss:      res.History.TrainLoss,
	}
	if v := res.History.ValLoss[last]; !math.IsNaN(v) {
		s.FinalValLoss = &v
	}
	return s
}
