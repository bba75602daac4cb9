/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	trainoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ScheduleFreeDefaultLearningRate is used by ScheduleFree if no learning rate is set.
	ScheduleFreeDefaultLearningRate = 2.5e-3

	// ScheduleFreeDefaultScope is the default scope name for the state kept by ScheduleFree.
	ScheduleFreeDefaultScope = "ScheduleFreeOptimizer"

	// ParamScheduleFreeBeta1 is the interpolation coefficient between the fast iterate
	// and the running average for the externally visible parameter. Default is 0.9.
	ParamScheduleFreeBeta1 = "schedule_free_beta1"

	// ParamScheduleFreeBeta2 is the moving average coefficient for the second moment of
	// the gradients. Default is 0.999. With PaLM enabled it is an upper bound instead.
	ParamScheduleFreeBeta2 = "schedule_free_beta2"

	// ParamScheduleFreeEpsilon can be used to configure the default value of epsilon.
	// It must be a float64. Default is 1e-8.
	ParamScheduleFreeEpsilon = "schedule_free_epsilon"

	// ParamScheduleFreeWeightDecay is the decoupled weight decay. Default is 0.0.
	ParamScheduleFreeWeightDecay = "schedule_free_weight_decay"

	// ParamScheduleFreeWarmupSteps is the number of steps over which the learning rate
	// ramps linearly from 0 to its configured value. Default is 0 (no warmup).
	ParamScheduleFreeWarmupSteps = "schedule_free_warmup_steps"

	// ParamScheduleFreePaLM enables the PaLM second-moment decay schedule. Default false.
	ParamScheduleFreePaLM = "schedule_free_palm"
)

// WeightFn returns the averaging weight of one training step for the schedule-free
// running average: the average is the cumulative-weight-normalized combination of the
// fast iterates, so each step contributes weight(step)/sum-of-weights.
//
// The step is a scalar node of the optimizer's compute dtype, starting at 1.
type WeightFn func(step *Node) *Node

// LinearWeight weighs each step's contribution proportionally to its step number, so
// early iterates are down-weighted. This is the default for ScheduleFree.
func LinearWeight(step *Node) *Node { return step }

// ConstantWeight weighs all steps equally, yielding a plain running average of the
// fast iterates.
func ConstantWeight(step *Node) *Node { return OnesLike(step) }

// beta2ScheduleFn resolves the effective second-moment decay rate for a step. It is
// chosen once when the optimizer is built, keeping the per-step path branch-free.
type beta2ScheduleFn func(g *Graph, step *Node) *Node

// ScheduleFree returns the configuration for a Schedule-Free AdamW optimizer, as
// described in "The Road Less Scheduled" (Defazio et al., 2024): it removes the need
// for a learning-rate decay schedule by maintaining a fast iterate `z` and a weighted
// running average, with the externally visible parameter interpolated between them.
//
// Optionally, PaLM configures the second-moment decay to follow the step-dependent
// schedule used by the PaLM models, `min(beta2, 1 - step^-0.8)`, instead of a fixed
// beta2. Since the decay rate then varies per step, the second-moment bias correction
// is accumulated as a running product of the effective rates.
//
// Once configured, call ScheduleFreeConfig.Done and it will return an
// optimizers.Interface that can be used with train.Trainer or directly in a custom
// optimization loop.
func ScheduleFree() *ScheduleFreeConfig {
	return &ScheduleFreeConfig{
		scopeName:    ScheduleFreeDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		weightFn:     LinearWeight,
		dtype:        dtypes.InvalidDType,
	}
}

// ScheduleFreeConfig holds the configuration for a ScheduleFree optimizer. Create it
// with ScheduleFree(), and once configured call Done.
type ScheduleFreeConfig struct {
	scopeName    string
	dtype        dtypes.DType
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	warmupSteps  int
	usePaLM      bool
	weightFn     WeightFn
}

// FromContext will configure ScheduleFree with hyperparameters set in the given
// context -- see the ParamScheduleFree... constants.
func (c *ScheduleFreeConfig) FromContext(ctx *context.Context) *ScheduleFreeConfig {
	c.beta1 = context.GetParamOr(ctx, ParamScheduleFreeBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamScheduleFreeBeta2, c.beta2)
	c.epsilon = context.GetParamOr(ctx, ParamScheduleFreeEpsilon, c.epsilon)
	c.weightDecay = context.GetParamOr(ctx, ParamScheduleFreeWeightDecay, c.weightDecay)
	c.warmupSteps = context.GetParamOr(ctx, ParamScheduleFreeWarmupSteps, c.warmupSteps)
	if context.GetParamOr(ctx, ParamScheduleFreePaLM, c.usePaLM) {
		c.PaLM()
	}
	return c
}

// Scope defines the top-level scope used to store the optimizer state (fast iterate,
// running average, second moment, step counter). It defaults to
// ScheduleFreeDefaultScope. Change it if using multiple optimizers on the same
// context, so their states don't mix.
func (c *ScheduleFreeConfig) Scope(name string) *ScheduleFreeConfig {
	c.scopeName = name
	return c
}

// DType sets the dtype used for the optimizer state and computation. If not set, it
// uses the dtype of the loss.
func (c *ScheduleFreeConfig) DType(dtype dtypes.DType) *ScheduleFreeConfig {
	c.dtype = dtype
	return c
}

// LearningRate sets the base learning rate as a floating point value.
//
// Default is either the value of ParamLearningRate ("learning_rate") in the context,
// if defined, or ScheduleFreeDefaultLearningRate if not.
func (c *ScheduleFreeConfig) LearningRate(value float64) *ScheduleFreeConfig {
	c.learningRate = value
	return c
}

// Betas sets the two coefficients: beta1 interpolates the externally visible
// parameter between the fast iterate and the running average, and beta2 is the
// second-moment moving average constant (an upper bound when PaLM is set).
// They default to 0.9 and 0.999.
func (c *ScheduleFreeConfig) Betas(beta1, beta2 float64) *ScheduleFreeConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. It is added
// after the square root, outside it, so it bounds the denominator away from zero
// without perturbing small second moments.
func (c *ScheduleFreeConfig) Epsilon(epsilon float64) *ScheduleFreeConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures decoupled weight decay: the parameter (and the optimizer
// iterates, which live in the same frame) shrink by lr*weightDecay*parameter at each
// step, independent of the gradient-based adaptive step.
func (c *ScheduleFreeConfig) WeightDecay(weightDecay float64) *ScheduleFreeConfig {
	c.weightDecay = weightDecay
	return c
}

// WarmupSteps ramps the learning rate linearly from 0 to its configured value over
// the given number of steps. Schedule-free methods still benefit from a short warmup.
// The default is 0, meaning no warmup.
func (c *ScheduleFreeConfig) WarmupSteps(steps int) *ScheduleFreeConfig {
	c.warmupSteps = steps
	return c
}

// PaLM enables the PaLM second-moment decay schedule `min(beta2, 1 - step^-0.8)`.
func (c *ScheduleFreeConfig) PaLM() *ScheduleFreeConfig {
	c.usePaLM = true
	return c
}

// WithWeightFn sets the averaging weight function for the schedule-free running
// average. The default is LinearWeight.
func (c *ScheduleFreeConfig) WithWeightFn(fn WeightFn) *ScheduleFreeConfig {
	c.weightFn = fn
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that
// implements Schedule-Free AdamW to specification.
func (c *ScheduleFreeConfig) Done() Interface {
	validateBeta("beta1", c.beta1)
	validateBeta("beta2", c.beta2)
	validateNonNegative("epsilon", c.epsilon)
	validateNonNegative("weight_decay", c.weightDecay)
	if c.learningRate >= 0 {
		validateLearningRate(c.learningRate)
	}
	if c.warmupSteps < 0 {
		Panicf("invalid warmup_steps=%d, it must be >= 0", c.warmupSteps)
	}
	if c.weightFn == nil {
		Panicf("ScheduleFree weight function must not be nil -- see WithWeightFn")
	}

	// The moment-decay policy is resolved here, once, not per step.
	var beta2Schedule beta2ScheduleFn
	if c.usePaLM {
		beta2 := c.beta2
		beta2Schedule = func(g *Graph, step *Node) *Node {
			return Min(
				ConstAsDType(g, step.DType(), beta2),
				OneMinus(PowScalar(step, -0.8)))
		}
	} else {
		beta2 := c.beta2
		beta2Schedule = func(g *Graph, step *Node) *Node {
			return ConstAsDType(g, step.DType(), beta2)
		}
	}
	return &scheduleFree{config: c, beta2Schedule: beta2Schedule}
}

// scheduleFree implements Schedule-Free AdamW as an optimizers.Interface.
type scheduleFree struct {
	config        *ScheduleFreeConfig
	beta2Schedule beta2ScheduleFn
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *scheduleFree) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies one Schedule-Free AdamW step given the gradients
// of the trainable variables, in the order yielded by Context.IterVariables.
func (o *scheduleFree) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		Panicf("no gradients given to ScheduleFree optimizer, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = lossDType
	}

	// Set up the learning rate: the variable is re-read at every step, so external
	// schedules changing it between steps take effect without rebuilding.
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, ScheduleFreeDefaultLearningRate)
	}
	validateLearningRate(lrValue)
	lrVar := trainoptimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)

	// Increment the global step, but keep a separate step count for this optimizer --
	// it can be reset separately. Anchored at the optimizer's root scope so Snapshot
	// and Clear always find it.
	_ = trainoptimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	step := trainoptimizers.IncrementGlobalStepGraph(optimizerScope(ctx, o.config.scopeName), g, dtype)
	firstStep := Equal(step, ScalarOne(g, dtype))

	if o.config.warmupSteps > 0 {
		warmup := MinScalar(DivScalar(step, float64(o.config.warmupSteps)), 1.0)
		learningRate = Mul(learningRate, warmup)
	}

	// Effective second-moment decay for this step, and its bias correction: since with
	// PaLM the rate varies per step, the correction is the running product of the
	// effective rates -- for a fixed beta2 the product is just beta2^step.
	beta2Eff := o.beta2Schedule(g, step)
	beta2ProdVar := scalarSlotVariable(ctx, o.config.scopeName, "beta2_product", shapes.CastAsDType(1.0, dtype))
	beta2Prod := Mul(beta2ProdVar.ValueGraph(g), beta2Eff)
	beta2ProdVar.SetValueGraph(beta2Prod)
	biasCorrection2 := OneMinus(beta2Prod) // == 1-beta2Eff at step 1, never zero.

	// Averaging blend for this step: weight(step) normalized by the accumulated sum of
	// weights. It is exactly 1 at the first step, so the average starts at the first
	// fast iterate.
	weight := o.config.weightFn(step)
	weightSumVar := scalarSlotVariable(ctx, o.config.scopeName, "weight_sum", shapes.CastAsDType(0.0, dtype))
	weightSum := Add(weightSumVar.ValueGraph(g), weight)
	weightSumVar.SetValueGraph(weightSum)
	blend := Div(weight, weightSum)

	beta1 := ConstAsDType(g, dtype, o.config.beta1)
	epsilon := ConstAsDType(g, dtype, o.config.epsilon)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < numTrainable {
				o.applyGraph(ctx, g, v, grads[varIdx], dtype,
					learningRate, firstStep, beta1, beta2Eff, biasCorrection2, blend, epsilon)
			}
			varIdx++
		}
	}
	if varIdx != numTrainable {
		Panicf("ScheduleFree optimizer got gradients for %d variables, but sees %d trainable variables "+
			"-- were new variables created in between ?", numTrainable, varIdx)
	}
}

// applyGraph updates one trainable variable and its state: the second moment, the
// fast iterate `z`, and the running average. The variable itself holds the
// interpolation (1-beta1)*z + beta1*average.
func (o *scheduleFree) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	dtype dtypes.DType, learningRate, firstStep, beta1, beta2Eff, biasCorrection2, blend, epsilon *Node) {

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	if !grad.Shape().Equal(value.Shape()) {
		Panicf("gradient shape %s does not match variable %q shape %s",
			grad.Shape(), v.ScopeAndName(), value.Shape())
	}
	trainoptimizers.TraceNaNInGradients(ctx, v, grad)
	grad = trainoptimizers.ClipNaNsInGradients(ctx, grad)

	zVar := slotVariable(ctx, o.config.scopeName, v, "z", dtype)
	avgVar := slotVariable(ctx, o.config.scopeName, v, "avg", dtype)
	m2Var := slotVariable(ctx, o.config.scopeName, v, "exp_avg_sq", dtype)

	// The fast iterate and the average are seeded with the parameter value at the
	// first step; afterwards they evolve independently.
	z := Where(firstStep, value, zVar.ValueGraph(g))
	avg := Where(firstStep, value, avgVar.ValueGraph(g))

	moment2 := Add(
		Mul(beta2Eff, m2Var.ValueGraph(g)),
		Mul(OneMinus(beta2Eff), Square(grad)))
	m2Var.SetValueGraph(moment2)

	// Epsilon is added outside the square root, after the bias correction.
	denominator := Add(Div(Sqrt(moment2), Sqrt(biasCorrection2)), epsilon)
	direction := Div(Mul(learningRate, grad), denominator)
	direction = trainoptimizers.ClipStepByValue(ctx, direction)

	z = Sub(z, direction)
	avg = Add(avg, Mul(blend, Sub(z, avg)))
	updated := Add(Mul(OneMinus(beta1), z), Mul(beta1, avg))

	if o.config.weightDecay > 0 {
		// Decoupled: applied to the parameter and to both iterates (they share the
		// same frame), never through the adaptive denominator.
		decay := Mul(learningRate, MulScalar(value, o.config.weightDecay))
		z = Sub(z, decay)
		avg = Sub(avg, decay)
		updated = Sub(updated, decay)
	}

	zVar.SetValueGraph(z)
	avgVar.SetValueGraph(avg)

	updated = trainoptimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// Clear deletes all the state kept by the optimizer.
// It implements optimizers.Interface.
func (o *scheduleFree) Clear(ctx *context.Context) error {
	return clearSlots(ctx, o.config.scopeName)
}
