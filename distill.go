// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// SoftCrossEntropy computes the distillation logit loss between student
// logits and (detached) teacher logits:
//
//	loss = -mean_b sum_c softmax(teacher)_c * logsoftmax(student)_c
//
// and its gradient w.r.t. the student logits:
//
//	dL/ds = (softmax(student) - softmax(teacher)) / batch
//
// The teacher side is treated as a constant target.
func SoftCrossEntropy(student, teacher *Tensor) (float32, *Tensor) {
	if !student.Shape().Equal(teacher.Shape()) {
		panic(fmt.Sprintf("logit shape mismatch: %v vs %v", student.Shape(), teacher.Shape()))
	}
	batch := student.Shape().At(0)

	tProbs := teacher.Softmax()
	sLogProbs := student.LogSoftmax()
	tp, slp := tProbs.DataPtr(), sLogProbs.DataPtr()
	loss := float32(0)
	for i := range tp {
		loss -= tp[i] * slp[i]
	}
	loss /= float32(batch)

	grad := student.Softmax()
	gData := grad.DataPtr()
	invBatch := 1.0 / float32(batch)
	for i := range gData {
		gData[i] = (gData[i] - tp[i]) * invBatch
	}
	return loss, grad
}

// RepresentationLoss computes the hidden-state matching loss between
// student and teacher mapping states (embedding output plus each encoder
// layer output):
//
//	loss = sum_l mean((student_l - teacher_l)^2)
//
// and the per-state gradients 2*(student_l - teacher_l)/numel. Student
// hidden states are full hidden-dim at every width, so no projection is
// needed between the two sides.
func RepresentationLoss(student, teacher []*Tensor) (float32, []*Tensor) {
	if len(student) != len(teacher) {
		panic(fmt.Sprintf("mapping state count mismatch: %d vs %d", len(student), len(teacher)))
	}
	total := float32(0)
	grads := make([]*Tensor, len(student))
	for l := range student {
		s, t := student[l], teacher[l]
		if !s.Shape().Equal(t.Shape()) {
			panic(fmt.Sprintf("state %d shape mismatch: %v vs %v", l, s.Shape(), t.Shape()))
		}
		n := s.Shape().Numel()
		sData, tData := s.DataPtr(), t.DataPtr()
		grad := New(s.Shape(), F32)
		gData := grad.DataPtr()
		sum := float32(0)
		scale := 2.0 / float32(n)
		for i := range sData {
			d := sData[i] - tData[i]
			sum += d * d
			gData[i] = d * scale
		}
		total += sum / float32(n)
		grads[l] = grad
	}
	return total, grads
}

// DistillResult carries the losses and gradients of one student width's
// distillation step against the teacher.
type DistillResult struct {
	LogitLoss float32 // soft cross-entropy on logits
	RepLoss   float32 // summed hidden-state MSE
	Total     float32 // RepLoss + lambda*LogitLoss

	GradLogits *Tensor   // gradient of Total w.r.t. student logits
	RepGrads   []*Tensor // gradients of Total w.r.t. student hidden states
}

// DistillLoss evaluates the combined distillation objective
//
//	L = L_rep + lambda * L_logit
//
// for one student forward result against the teacher's, returning both
// loss values and the gradients ready for Classifier.Backward.
func DistillLoss(student, teacher *ForwardResult, lambda float32) DistillResult {
	logitLoss, gradLogits := SoftCrossEntropy(student.Logits, teacher.Logits)
	repLoss, repGrads := RepresentationLoss(student.Hidden, teacher.Hidden)
	gradLogits.ScaleInPlace(lambda)
	return DistillResult{
		LogitLoss:  logitLoss,
		RepLoss:    repLoss,
		Total:      repLoss + lambda*logitLoss,
		GradLogits: gradLogits,
		RepGrads:   repGrads,
	}
}
