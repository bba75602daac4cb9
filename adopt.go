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
	"github.com/gomlx/gomlx/pkg/ml/context"
	trainoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// AdoptDefaultLearningRate is used by Adopt if no learning rate is set.
	AdoptDefaultLearningRate = 1e-3

	// AdoptDefaultScope is the default scope name for the state kept by Adopt.
	AdoptDefaultScope = "AdoptOptimizer"

	// ParamAdoptBeta1 is the first-moment moving average coefficient. Default 0.9.
	ParamAdoptBeta1 = "adopt_beta1"

	// ParamAdoptBeta2 is the second-moment moving average coefficient. ADOPT converges
	// for any value in [0, 1), hence the aggressive 0.9999 default.
	ParamAdoptBeta2 = "adopt_beta2"

	// ParamAdoptEpsilon can be used to configure the default value of epsilon.
	// It must be a float64. Default is 1e-6.
	ParamAdoptEpsilon = "adopt_epsilon"

	// ParamAdoptWeightDecay is the decoupled weight decay. Default is 0.0.
	ParamAdoptWeightDecay = "adopt_weight_decay"
)

// gradientClipFn bounds the normalized gradient. Chosen once when the optimizer is
// built; nil means no clipping.
type gradientClipFn func(normalizedGrad, step *Node) *Node

// Adopt returns the configuration for an ADOPT optimizer, from "ADOPT: Modified Adam
// Can Converge with Any Beta2 with the Optimal Rate" (Taniguchi et al., 2024).
//
// The key difference to Adam: the denominator that normalizes the current gradient is
// the second moment as of the end of the previous step, and the second moment only
// absorbs the current gradient afterwards. The first step is a bootstrap: it seeds the
// second moment with g^2 and performs no parameter update.
//
// Once configured, call AdoptConfig.Done and it will return an optimizers.Interface
// that can be used with train.Trainer or directly in a custom optimization loop.
func Adopt() *AdoptConfig {
	return &AdoptConfig{
		scopeName:    AdoptDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.9999,
		epsilon:      1e-6,
		dtype:        dtypes.InvalidDType,
	}
}

// AdoptConfig holds the configuration for an Adopt optimizer. Create it with Adopt(),
// and once configured call Done.
type AdoptConfig struct {
	scopeName     string
	dtype         dtypes.DType
	learningRate  float64
	beta1, beta2  float64
	epsilon       float64
	weightDecay   float64
	clipValue     float64 // > 0 enables a constant bound.
	clipStepPower float64 // > 0 enables the step^power bound.
}

// FromContext will configure Adopt with hyperparameters set in the given context --
// see the ParamAdopt... constants.
func (c *AdoptConfig) FromContext(ctx *context.Context) *AdoptConfig {
	c.beta1 = context.GetParamOr(ctx, ParamAdoptBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdoptBeta2, c.beta2)
	c.epsilon = context.GetParamOr(ctx, ParamAdoptEpsilon, c.epsilon)
	c.weightDecay = context.GetParamOr(ctx, ParamAdoptWeightDecay, c.weightDecay)
	return c
}

// Scope defines the top-level scope used to store the optimizer state. It defaults to
// AdoptDefaultScope. Change it if using multiple optimizers on the same context, so
// their states don't mix.
func (c *AdoptConfig) Scope(name string) *AdoptConfig {
	c.scopeName = name
	return c
}

// DType sets the dtype used for the optimizer state and computation. If not set, it
// uses the dtype of the loss.
func (c *AdoptConfig) DType(dtype dtypes.DType) *AdoptConfig {
	c.dtype = dtype
	return c
}

// LearningRate sets the base learning rate as a floating point value.
//
// Default is either the value of ParamLearningRate ("learning_rate") in the context,
// if defined, or AdoptDefaultLearningRate if not.
func (c *AdoptConfig) LearningRate(value float64) *AdoptConfig {
	c.learningRate = value
	return c
}

// Betas sets the moving average coefficients for the first and second moments.
// They default to 0.9 and 0.9999.
func (c *AdoptConfig) Betas(beta1, beta2 float64) *AdoptConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the normalization denominator, added after the square root.
func (c *AdoptConfig) Epsilon(epsilon float64) *AdoptConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures decoupled weight decay: the parameter shrinks by
// lr*weightDecay*parameter at each update step, independent of the gradient-based
// adaptive step.
func (c *AdoptConfig) WeightDecay(weightDecay float64) *AdoptConfig {
	c.weightDecay = weightDecay
	return c
}

// GradientClip bounds each value of the normalized gradient to [-value, value].
// Disabled by default. Mutually exclusive with GradientClipByStepPower.
func (c *AdoptConfig) GradientClip(value float64) *AdoptConfig {
	c.clipValue = value
	return c
}

// GradientClipByStepPower bounds each value of the normalized gradient to
// [-step^power, step^power], the schedule recommended by the ADOPT paper with
// power=0.25: loose early on, effectively off later. Mutually exclusive with
// GradientClip.
func (c *AdoptConfig) GradientClipByStepPower(power float64) *AdoptConfig {
	c.clipStepPower = power
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that
// implements ADOPT to specification.
func (c *AdoptConfig) Done() Interface {
	validateBeta("beta1", c.beta1)
	validateBeta("beta2", c.beta2)
	validateNonNegative("epsilon", c.epsilon)
	validateNonNegative("weight_decay", c.weightDecay)
	if c.learningRate >= 0 {
		validateLearningRate(c.learningRate)
	}
	if c.clipValue > 0 && c.clipStepPower > 0 {
		Panicf("Adopt: GradientClip and GradientClipByStepPower are mutually exclusive")
	}

	// The clipping policy is resolved here, once, not per step.
	var clipFn gradientClipFn
	if c.clipValue > 0 {
		bound := c.clipValue
		clipFn = func(normalizedGrad, _ *Node) *Node {
			return ClipScalar(normalizedGrad, -bound, bound)
		}
	} else if c.clipStepPower > 0 {
		power := c.clipStepPower
		clipFn = func(normalizedGrad, step *Node) *Node {
			bound := PowScalar(step, power)
			return Max(Min(normalizedGrad, bound), Neg(bound))
		}
	}
	return &adopt{config: c, clipFn: clipFn}
}

// adopt implements ADOPT as an optimizers.Interface.
type adopt struct {
	config *AdoptConfig
	clipFn gradientClipFn
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *adopt) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies one ADOPT step given the gradients of the
// trainable variables, in the order yielded by Context.IterVariables.
func (o *adopt) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		Panicf("no gradients given to Adopt optimizer, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = lossDType
	}

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdoptDefaultLearningRate)
	}
	validateLearningRate(lrValue)
	lrVar := trainoptimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)

	_ = trainoptimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	step := trainoptimizers.IncrementGlobalStepGraph(optimizerScope(ctx, o.config.scopeName), g, dtype)
	firstStep := Equal(step, ScalarOne(g, dtype))

	beta1 := ConstAsDType(g, dtype, o.config.beta1)
	beta2 := ConstAsDType(g, dtype, o.config.beta2)
	epsilon := ConstAsDType(g, dtype, o.config.epsilon)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < numTrainable {
				o.applyGraph(ctx, g, v, grads[varIdx], dtype, learningRate, step, firstStep, beta1, beta2, epsilon)
			}
			varIdx++
		}
	}
	if varIdx != numTrainable {
		Panicf("Adopt optimizer got gradients for %d variables, but sees %d trainable variables "+
			"-- were new variables created in between ?", numTrainable, varIdx)
	}
}

// applyGraph updates one trainable variable and its first and second moments.
//
// Ordering invariant: the denominator node is built from the second-moment slot
// before SetValueGraph absorbs the current gradient into it, so normalization at
// step N always sees the moment as of the end of step N-1.
func (o *adopt) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	dtype dtypes.DType, learningRate, step, firstStep, beta1, beta2, epsilon *Node) {

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

	m1Var := slotVariable(ctx, o.config.scopeName, v, "exp_avg", dtype)
	m2Var := slotVariable(ctx, o.config.scopeName, v, "exp_avg_sq", dtype)

	moment2Prev := m2Var.ValueGraph(g)
	denominator := Add(Sqrt(moment2Prev), epsilon)
	normalizedGrad := Div(grad, denominator)
	if o.clipFn != nil {
		normalizedGrad = o.clipFn(normalizedGrad, step)
	}

	// The first moment stays zero through the bootstrap step: the normalized gradient
	// of step 1 would be g/(0+eps), which is exactly the blow-up ADOPT exists to avoid.
	moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), normalizedGrad))
	moment1 = Where(firstStep, ZerosLike(moment1), moment1)
	m1Var.SetValueGraph(moment1)

	amount := Mul(learningRate, moment1)
	if o.config.weightDecay > 0 {
		amount = Add(amount, Mul(learningRate, MulScalar(value, o.config.weightDecay)))
	}
	amount = trainoptimizers.ClipStepByValue(ctx, amount)
	amount = Where(firstStep, ZerosLike(amount), amount)

	// Second moment for the next step: seeded with g^2 on the bootstrap step.
	moment2 := Add(Mul(beta2, moment2Prev), Mul(OneMinus(beta2), Square(grad)))
	moment2 = Where(firstStep, Square(grad), moment2)
	m2Var.SetValueGraph(moment2)

	updated := Sub(value, amount)
	updated = trainoptimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// Clear deletes all the state kept by the optimizer.
// It implements optimizers.Interface.
func (o *adopt) Clear(ctx *context.Context) error {
	return clearSlots(ctx, o.config.scopeName)
}
