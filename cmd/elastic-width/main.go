// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Command elastic-width compresses a transformer classifier into a
// width-elastic supernet: it estimates head and neuron importance on a
// calibration set, reorders weights so importance decreases along each
// axis, then jointly distills the model at several width ratios against
// its own full-width snapshot. The best-evaluating checkpoint across the
// whole run is persisted.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	nn "github.com/fumi-engineer/elastic-width"
)

// tasks maps task names to their class counts. Evaluation uses accuracy
// for all of them.
var tasks = map[string]int{
	"afqmc":       2,
	"tnews":       15,
	"iflytek":     119,
	"ocnli":       3,
	"cmnli":       3,
	"cluewsc2020": 2,
	"csl":         2,
	"sst2":        2,
}

// modelPresets maps model size names to architecture configs.
var modelPresets = map[string]func() nn.Config{
	"base": nn.Base,
	"tiny": nn.Tiny,
}

type trainFlags struct {
	task       string
	modelType  string
	initFrom   string
	trainFile  string
	evalFile   string
	outputDir  string
	maxSeqLen  int
	batchSize  int
	calibBatch int
	ratios     string
	device     string

	lr           float64
	weightDecay  float64
	lambda       float64
	gradClip     float64
	epochs       int
	maxSteps     int
	warmupSteps  int
	warmupProp   float64
	loggingSteps int
	evalSteps    int
	seed         int64
}

func parseRatios(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		r, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad width ratio %q: %w", p, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func resolveConfig(flags trainFlags) (nn.Config, error) {
	classes, ok := tasks[flags.task]
	if !ok {
		names := make([]string, 0, len(tasks))
		for n := range tasks {
			names = append(names, n)
		}
		return nn.Config{}, fmt.Errorf("unknown task %q (known: %s)", flags.task, strings.Join(names, ", "))
	}
	preset, ok := modelPresets[flags.modelType]
	if !ok {
		return nn.Config{}, fmt.Errorf("unknown model type %q (known: base, tiny)", flags.modelType)
	}
	if flags.device != "cpu" {
		return nn.Config{}, fmt.Errorf("unsupported device %q: only cpu is available", flags.device)
	}
	cfg := preset().WithClasses(classes)
	if flags.maxSeqLen > 0 {
		cfg.MaxSeqLen = flags.maxSeqLen
	}
	return cfg, nil
}

func runTrain(flags trainFlags) error {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}
	ratios, err := parseRatios(flags.ratios)
	if err != nil {
		return err
	}
	rand.Seed(flags.seed)

	trainExamples, err := nn.ReadTSV(flags.trainFile)
	if err != nil {
		return err
	}
	evalExamples, err := nn.ReadTSV(flags.evalFile)
	if err != nil {
		return err
	}

	var model *nn.Classifier
	var tok *nn.Tokenizer
	if flags.initFrom != "" {
		model, tok, err = nn.LoadCheckpoint(flags.initFrom)
		if err != nil {
			return err
		}
		if tok == nil {
			return fmt.Errorf("checkpoint %s has no tokenizer", flags.initFrom)
		}
		cfg = model.Config()
	} else {
		corpus := make([]string, 0, 2*len(trainExamples))
		for _, ex := range trainExamples {
			corpus = append(corpus, ex.Text)
			if ex.TextB != "" {
				corpus = append(corpus, ex.TextB)
			}
		}
		tok = nn.NewTokenizer(corpus, cfg.VocabSize)
		cfg.VocabSize = tok.VocabSize()
		model = nn.NewClassifier(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := nn.ValidateLabels(trainExamples, cfg.NumClasses); err != nil {
		return fmt.Errorf("%s: %w", flags.trainFile, err)
	}
	if err := nn.ValidateLabels(evalExamples, cfg.NumClasses); err != nil {
		return fmt.Errorf("%s: %w", flags.evalFile, err)
	}

	trainLoader := nn.CollateExamples(trainExamples, tok, cfg.MaxSeqLen, flags.batchSize)
	evalLoader := nn.CollateExamples(evalExamples, tok, cfg.MaxSeqLen, flags.batchSize)

	// The calibration set for importance estimation is a prefix of the
	// training data; a few hundred examples is plenty to rank units.
	calibN := flags.calibBatch
	if calibN <= 0 || calibN > len(trainExamples) {
		calibN = len(trainExamples)
	}
	calibLoader := nn.CollateExamples(trainExamples[:calibN], tok, cfg.MaxSeqLen, flags.batchSize)

	slog.Info("estimating importance", "examples", calibN)
	scores, err := nn.EstimateImportance(model, calibLoader)
	if err != nil {
		return err
	}
	// Snapshot the frozen distillation teacher before reordering mutates
	// the student. Reordering preserves the full-width function, so the
	// teacher's targets are unaffected either way.
	teacher := model.Clone()

	if err := nn.Reorder(model, scores); err != nil {
		return err
	}

	trainCfg := nn.DefaultTrainConfig()
	trainCfg.LR = float32(flags.lr)
	trainCfg.WeightDecay = float32(flags.weightDecay)
	trainCfg.Lambda = float32(flags.lambda)
	trainCfg.GradClip = float32(flags.gradClip)
	trainCfg.Epochs = flags.epochs
	trainCfg.MaxSteps = flags.maxSteps
	trainCfg.WarmupSteps = flags.warmupSteps
	trainCfg.WarmupProportion = float32(flags.warmupProp)
	trainCfg.LoggingSteps = flags.loggingSteps
	trainCfg.EvalSteps = flags.evalSteps
	trainCfg.WidthRatios = ratios
	trainCfg.Seed = flags.seed

	trainer, err := nn.NewTrainer(model, teacher, trainCfg)
	if err != nil {
		return err
	}
	selector := nn.NewCheckpointSelector(flags.outputDir, tok)
	state, err := trainer.Train(trainLoader, evalLoader, &nn.Accuracy{}, selector)
	if err != nil {
		return err
	}
	fmt.Printf("best acc: %.4f (step %d)\n", state.BestResult, state.GlobalStep)
	return nil
}

func runEval(checkpointDir, evalFile string, ratio float64, batchSize int) error {
	model, tok, err := nn.LoadCheckpoint(checkpointDir)
	if err != nil {
		return err
	}
	if tok == nil {
		return fmt.Errorf("checkpoint %s has no tokenizer", checkpointDir)
	}
	examples, err := nn.ReadTSV(evalFile)
	if err != nil {
		return err
	}
	cfg := model.Config()
	if err := nn.ValidateLabels(examples, cfg.NumClasses); err != nil {
		return fmt.Errorf("%s: %w", evalFile, err)
	}
	loader := nn.CollateExamples(examples, tok, cfg.MaxSeqLen, batchSize)
	spec, err := cfg.Configure(ratio)
	if err != nil {
		return err
	}
	res, err := nn.Evaluate(model, &nn.Accuracy{}, loader, spec)
	if err != nil {
		return err
	}
	fmt.Printf("width %.4f acc: %.4f (%d examples)\n", ratio, res, loader.NumExamples())
	return nil
}

func newTrainCmd() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Reorder by importance and jointly distill at multiple widths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.task, "task", "sst2", "task name (sets the class count)")
	f.StringVar(&flags.modelType, "model-type", "base", "architecture preset: base or tiny")
	f.StringVar(&flags.initFrom, "init-from", "", "checkpoint directory to initialize from")
	f.StringVar(&flags.trainFile, "train-file", "", "training TSV (label<TAB>text[<TAB>text_b])")
	f.StringVar(&flags.evalFile, "eval-file", "", "evaluation TSV")
	f.StringVar(&flags.outputDir, "output-dir", "output", "directory for the best checkpoint")
	f.IntVar(&flags.maxSeqLen, "max-seq-len", 128, "sequence length after padding/truncation")
	f.IntVar(&flags.batchSize, "batch-size", 32, "examples per batch")
	f.IntVar(&flags.calibBatch, "calib-examples", 512, "examples used for importance estimation")
	f.StringVar(&flags.ratios, "width-ratios", "1.0,0.8333,0.6667,0.5", "comma-separated width ratios")
	f.StringVar(&flags.device, "device", "cpu", "compute device")
	f.Float64Var(&flags.lr, "lr", 5e-5, "peak learning rate")
	f.Float64Var(&flags.weightDecay, "weight-decay", 0.0, "AdamW weight decay")
	f.Float64Var(&flags.lambda, "lambda", 1.0, "logit loss weight")
	f.Float64Var(&flags.gradClip, "grad-clip", 1.0, "max global gradient norm")
	f.IntVar(&flags.epochs, "epochs", 3, "training epochs")
	f.IntVar(&flags.maxSteps, "max-steps", 0, "step budget overriding epochs when > 0")
	f.IntVar(&flags.warmupSteps, "warmup-steps", 0, "warmup steps (overrides proportion when > 0)")
	f.Float64Var(&flags.warmupProp, "warmup-proportion", 0.1, "warmup fraction of total steps")
	f.IntVar(&flags.loggingSteps, "logging-steps", 100, "log every N steps")
	f.IntVar(&flags.evalSteps, "eval-steps", 500, "evaluate every N steps")
	f.Int64Var(&flags.seed, "seed", 42, "random seed")
	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("eval-file")
	return cmd
}

func newEvalCmd() *cobra.Command {
	var (
		checkpointDir string
		evalFile      string
		ratio         float64
		batchSize     int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint at a chosen width ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(checkpointDir, evalFile, ratio, batchSize)
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpointDir, "checkpoint", "output", "checkpoint directory")
	f.StringVar(&evalFile, "eval-file", "", "evaluation TSV")
	f.Float64Var(&ratio, "width-ratio", 1.0, "width ratio in (0, 1]")
	f.IntVar(&batchSize, "batch-size", 32, "examples per batch")
	_ = cmd.MarkFlagRequired("eval-file")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "elastic-width",
		Short:         "Elastic-width compression of transformer classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(newTrainCmd(), newEvalCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
