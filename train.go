// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TrainConfig holds optimizer, schedule, and distillation hyperparameters
// for width-elastic training.
type TrainConfig struct {
	LR          float32 // peak learning rate
	Beta1       float32 // AdamW first moment decay
	Beta2       float32 // AdamW second moment decay
	Eps         float32 // AdamW epsilon (numerical stability)
	WeightDecay float32 // AdamW weight decay coefficient
	GradClip    float32 // max global gradient L2 norm, 0 disables

	Lambda      float32   // weight of the logit loss relative to the representation loss
	WidthRatios []float64 // widths trained jointly each step, e.g. [1.0, 0.75, 0.5]

	Epochs   int // passes over the training set
	MaxSteps int // when > 0, overrides Epochs as the step budget

	WarmupSteps      int     // linear warmup length; when > 0 overrides WarmupProportion
	WarmupProportion float32 // warmup as a fraction of total steps

	LoggingSteps int // log progress every N optimizer steps
	EvalSteps    int // evaluate and consider checkpointing every N steps

	Seed int64
}

// DefaultWidthRatios is the standard four-point elastic width ladder.
var DefaultWidthRatios = []float64{1.0, 5.0 / 6.0, 2.0 / 3.0, 0.5}

// DefaultTrainConfig returns standard distillation hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:               5e-5,
		Beta1:            0.9,
		Beta2:            0.999,
		Eps:              1e-8,
		WeightDecay:      0.0,
		GradClip:         1.0,
		Lambda:           1.0,
		WidthRatios:      append([]float64(nil), DefaultWidthRatios...),
		Epochs:           3,
		WarmupProportion: 0.1,
		LoggingSteps:     100,
		EvalSteps:        500,
	}
}

// TrainingState is the observable progress of a run. It is returned by
// value; the trainer holds no global mutable state beyond its optimizer
// moments.
type TrainingState struct {
	GlobalStep int
	Epoch      int
	BestResult float64
}

// AdamWState holds the first and second moment estimates for one parameter tensor.
type AdamWState struct {
	M *Tensor // first moment (mean of gradients)
	V *Tensor // second moment (mean of squared gradients)
}

// Trainer runs joint multi-width distillation of a student supernet
// against a frozen full-width teacher. Each batch is forwarded and
// backwarded once per width ratio with gradients accumulating across
// widths, then a single clipped AdamW step updates the shared weights.
type Trainer struct {
	student *Classifier
	teacher *Classifier
	config  TrainConfig

	specs      []WidthSpec
	states     []AdamWState
	noDecay    []bool // parameters excluded from weight decay (bias, norm)
	totalSteps int
	step       int
}

// NewTrainer validates the config and prepares optimizer state. The
// student must already be importance-reordered so that width slicing
// keeps the most important units; the teacher is frozen as-is.
func NewTrainer(student, teacher *Classifier, cfg TrainConfig) (*Trainer, error) {
	if student == nil || teacher == nil {
		return nil, errors.New("trainer requires both student and teacher")
	}
	if student.Config() != teacher.Config() {
		return nil, errors.New("student and teacher configs differ")
	}
	if len(cfg.WidthRatios) == 0 {
		return nil, errors.New("at least one width ratio required")
	}
	if cfg.Lambda < 0 {
		return nil, fmt.Errorf("lambda %v must be non-negative", cfg.Lambda)
	}
	specs := make([]WidthSpec, len(cfg.WidthRatios))
	for i, r := range cfg.WidthRatios {
		spec, err := student.Config().Configure(r)
		if err != nil {
			return nil, err
		}
		specs[i] = spec
	}

	named := student.NamedParameters()
	states := make([]AdamWState, len(named))
	noDecay := make([]bool, len(named))
	for i, np := range named {
		states[i] = AdamWState{
			M: Zeros(np.Tensor.Shape(), F32),
			V: Zeros(np.Tensor.Shape(), F32),
		}
		noDecay[i] = strings.Contains(np.Name, "bias") || strings.Contains(np.Name, "norm")
	}

	teacher.SetTraining(false)
	return &Trainer{
		student: student,
		teacher: teacher,
		config:  cfg,
		specs:   specs,
		states:  states,
		noDecay: noDecay,
	}, nil
}

// Step returns the optimizer step count.
func (t *Trainer) Step() int { return t.step }

// warmupSteps resolves the warmup length against the total step budget.
func (t *Trainer) warmupSteps() int {
	if t.config.WarmupSteps > 0 {
		return t.config.WarmupSteps
	}
	return int(t.config.WarmupProportion * float32(t.totalSteps))
}

// GetLR computes the current learning rate: linear warmup to the peak,
// then linear decay to zero at the end of training.
func (t *Trainer) GetLR() float32 {
	warmup := t.warmupSteps()
	if warmup > 0 && t.step < warmup {
		return t.config.LR * float32(t.step) / float32(warmup)
	}
	if t.totalSteps <= warmup {
		return t.config.LR
	}
	remaining := float32(t.totalSteps-t.step) / float32(t.totalSteps-warmup)
	if remaining < 0 {
		remaining = 0
	}
	return t.config.LR * remaining
}

// TrainBatch runs one optimizer step on a batch: for every configured
// width, the teacher and the sliced student each run a forward pass, the
// distillation gradients flow back through the student immediately, and
// parameter gradients accumulate in the shared full-size buffers. A
// single global-norm clip and AdamW update then applies the summed
// gradient. Returns the per-width total losses in ratio order.
func (t *Trainer) TrainBatch(batch *Batch) ([]float32, error) {
	t.step++
	t.student.ZeroGrad()

	losses := make([]float32, len(t.specs))
	for i, spec := range t.specs {
		teacherRes, err := t.teacher.Forward(batch.InputIDs, batch.SegmentIDs)
		if err != nil {
			return nil, err
		}
		studentRes, err := t.student.ForwardWidth(batch.InputIDs, batch.SegmentIDs, spec)
		if err != nil {
			return nil, err
		}
		res := DistillLoss(studentRes, teacherRes, t.config.Lambda)
		t.student.Backward(res.GradLogits, res.RepGrads)
		losses[i] = res.Total
	}

	t.applyAdamW()
	return losses, nil
}

// applyAdamW clips the accumulated gradients by global norm and applies
// one decoupled-weight-decay Adam update:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	w -= lr * (m_hat / (sqrt(v_hat) + eps) + wd*w)
//
// with bias-corrected m_hat, v_hat. Weight decay is skipped for bias and
// norm parameters.
func (t *Trainer) applyAdamW() {
	params := t.student.Parameters()

	globalNormSq := float32(0)
	for _, p := range params {
		if p.Grad != nil {
			for _, g := range p.Grad {
				globalNormSq += g * g
			}
		}
	}
	globalNorm := SqrtF32(globalNormSq)
	clipCoeff := float32(1.0)
	if t.config.GradClip > 0 && globalNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (globalNorm + 1e-12)
	}

	lr := t.GetLR()
	mCorr := 1.0 / (1 - PowF32(t.config.Beta1, float32(t.step)))
	vCorr := 1.0 / (1 - PowF32(t.config.Beta2, float32(t.step)))
	b1, b2, eps := t.config.Beta1, t.config.Beta2, t.config.Eps

	for i, param := range params {
		if param.Grad == nil {
			continue
		}
		wd := t.config.WeightDecay
		if t.noDecay[i] {
			wd = 0
		}
		paramData := param.DataPtr()
		mData := t.states[i].M.DataPtr()
		vData := t.states[i].V.DataPtr()
		gradSlice := param.Grad

		for j := range paramData {
			grad := gradSlice[j] * clipCoeff
			mData[j] = b1*mData[j] + (1-b1)*grad
			vData[j] = b2*vData[j] + (1-b2)*grad*grad
			paramData[j] -= lr * (mData[j]*mCorr/(SqrtF32(vData[j]*vCorr)+eps) + wd*paramData[j])
		}
	}
}

// evaluateAll runs the teacher and every student width over the eval set,
// feeding each result to the selector. The teacher result participates in
// best-checkpoint selection like any other; a save triggered by it still
// persists the student supernet.
func (t *Trainer) evaluateAll(evalLoader Loader, metric Metric, selector *CheckpointSelector) error {
	teacherRes, err := Evaluate(t.teacher, metric, evalLoader, t.teacher.Config().FullWidth())
	if err != nil {
		return err
	}
	slog.Info("eval", "width", "teacher", metric.Name(), teacherRes)
	if _, err := selector.Consider(teacherRes, t.student); err != nil {
		return err
	}
	for i, spec := range t.specs {
		res, err := Evaluate(t.student, metric, evalLoader, spec)
		if err != nil {
			return err
		}
		slog.Info("eval", "width", t.config.WidthRatios[i], metric.Name(), res)
		if _, err := selector.Consider(res, t.student); err != nil {
			return err
		}
	}
	return nil
}

// countBatches returns the number of batches per epoch.
func countBatches(loader Loader) int {
	if bc, ok := loader.(interface{ NumBatches() int }); ok {
		return bc.NumBatches()
	}
	loader.Reset()
	n := 0
	for {
		if _, ok := loader.Next(); !ok {
			return n
		}
		n++
	}
}

// Train runs the full distillation loop: Epochs passes over trainLoader
// (or MaxSteps optimizer steps, whichever budget the config sets),
// evaluating all widths and the teacher every EvalSteps and once more at
// the end. The best evaluation result across the entire run selects the
// persisted checkpoint. Returns the final training state.
func (t *Trainer) Train(trainLoader, evalLoader Loader, metric Metric, selector *CheckpointSelector) (TrainingState, error) {
	if trainLoader == nil || trainLoader.NumExamples() == 0 {
		return TrainingState{}, errors.New("training requires a non-empty train set")
	}
	perEpoch := countBatches(trainLoader)
	epochs := t.config.Epochs
	t.totalSteps = epochs * perEpoch
	if t.config.MaxSteps > 0 {
		t.totalSteps = t.config.MaxSteps
		epochs = (t.config.MaxSteps + perEpoch - 1) / perEpoch
	}
	slog.Info("training",
		"epochs", epochs,
		"steps", t.totalSteps,
		"warmup", t.warmupSteps(),
		"widths", t.config.WidthRatios,
	)

	prev := t.student.SetTraining(true)
	defer t.student.SetTraining(prev)

	state := TrainingState{}
	start := time.Now()
	for epoch := 0; epoch < epochs; epoch++ {
		state.Epoch = epoch
		trainLoader.Reset()
		for {
			batch, ok := trainLoader.Next()
			if !ok {
				break
			}
			losses, err := t.TrainBatch(batch)
			if err != nil {
				return state, err
			}
			state.GlobalStep = t.step

			if t.config.LoggingSteps > 0 && t.step%t.config.LoggingSteps == 0 {
				slog.Info("step",
					"global_step", t.step,
					"epoch", epoch,
					"loss", losses[0],
					"lr", t.GetLR(),
					"elapsed", time.Since(start).Round(time.Second),
				)
			}
			if t.config.EvalSteps > 0 && t.step%t.config.EvalSteps == 0 && evalLoader != nil {
				if err := t.evaluateAll(evalLoader, metric, selector); err != nil {
					return state, err
				}
				state.BestResult = selector.Best()
			}
			if t.config.MaxSteps > 0 && t.step >= t.config.MaxSteps {
				break
			}
		}
		if t.config.MaxSteps > 0 && t.step >= t.config.MaxSteps {
			break
		}
	}

	if evalLoader != nil {
		if err := t.evaluateAll(evalLoader, metric, selector); err != nil {
			return state, err
		}
		state.BestResult = selector.Best()
	}
	slog.Info("training done",
		"steps", state.GlobalStep,
		"best", state.BestResult,
		"elapsed", time.Since(start).Round(time.Second),
	)
	return state, nil
}
