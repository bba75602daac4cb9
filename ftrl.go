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
	// FtrlDefaultLearningRate is used by Ftrl if no learning rate is set.
	FtrlDefaultLearningRate = 1e-2

	// FtrlDefaultScope is the default scope name for the state kept by Ftrl.
	FtrlDefaultScope = "FtrlOptimizer"

	// ParamFtrlBeta is the smoothing term in the closed-form denominator. Default 0.0.
	ParamFtrlBeta = "ftrl_beta"

	// ParamFtrlL1 is the L1 regularization strength. Values of z at or below it in
	// magnitude produce exactly-zero parameters. Default 0.0.
	ParamFtrlL1 = "ftrl_l1"

	// ParamFtrlL2 is the L2 regularization strength. Default 0.0.
	ParamFtrlL2 = "ftrl_l2"

	// ParamFtrlLearningRatePower is the exponent of the accumulated squared-gradient
	// sum in the per-coordinate learning rate. Default 0.5, the classic inverse
	// square-root decay.
	ParamFtrlLearningRatePower = "ftrl_lr_power"
)

// Ftrl returns the configuration for an FTRL-Proximal optimizer (McMahan et al.,
// "Ad Click Prediction: a View from the Trenches", 2013): it accumulates
// per-coordinate gradient statistics and recomputes the parameter from a closed form
// with elastic-net (L1+L2) regularization. The L1 term produces exact zeros, which
// makes it the optimizer of choice for sparse linear models.
//
// Unlike the momentum-style optimizers, FTRL replaces the parameter value wholesale
// each step from its accumulators `z` and `n`; the parameter's previous value only
// enters through the `sigma` correction term. In particular a non-zero initial
// parameter value does not survive the first step: with fresh accumulators and a
// zero gradient the closed form yields zero, not the initial value.
//
// Once configured, call FtrlConfig.Done and it will return an optimizers.Interface
// that can be used with train.Trainer or directly in a custom optimization loop.
func Ftrl() *FtrlConfig {
	return &FtrlConfig{
		scopeName:    FtrlDefaultScope,
		learningRate: -1, // < 0 means use the default.
		lrPower:      0.5,
		dtype:        dtypes.InvalidDType,
	}
}

// FtrlConfig holds the configuration for an Ftrl optimizer. Create it with Ftrl(),
// and once configured call Done.
type FtrlConfig struct {
	scopeName    string
	dtype        dtypes.DType
	learningRate float64
	beta         float64
	l1, l2       float64
	lrPower      float64
}

// FromContext will configure Ftrl with hyperparameters set in the given context --
// see the ParamFtrl... constants.
func (c *FtrlConfig) FromContext(ctx *context.Context) *FtrlConfig {
	c.beta = context.GetParamOr(ctx, ParamFtrlBeta, c.beta)
	c.l1 = context.GetParamOr(ctx, ParamFtrlL1, c.l1)
	c.l2 = context.GetParamOr(ctx, ParamFtrlL2, c.l2)
	c.lrPower = context.GetParamOr(ctx, ParamFtrlLearningRatePower, c.lrPower)
	return c
}

// Scope defines the top-level scope used to store the optimizer state. It defaults to
// FtrlDefaultScope. Change it if using multiple optimizers on the same context, so
// their states don't mix.
func (c *FtrlConfig) Scope(name string) *FtrlConfig {
	c.scopeName = name
	return c
}

// DType sets the dtype used for the optimizer state and computation. If not set, it
// uses the dtype of the loss.
func (c *FtrlConfig) DType(dtype dtypes.DType) *FtrlConfig {
	c.dtype = dtype
	return c
}

// LearningRate sets the base learning rate as a floating point value.
//
// Default is either the value of ParamLearningRate ("learning_rate") in the context,
// if defined, or FtrlDefaultLearningRate if not.
func (c *FtrlConfig) LearningRate(value float64) *FtrlConfig {
	c.learningRate = value
	return c
}

// Beta sets the smoothing term added to pow(n, power) in the closed-form
// denominator. Default is 0.
func (c *FtrlConfig) Beta(beta float64) *FtrlConfig {
	c.beta = beta
	return c
}

// L1 sets the L1 regularization strength. Coordinates whose accumulated `z` does not
// exceed it in magnitude are set to exactly zero.
func (c *FtrlConfig) L1(l1 float64) *FtrlConfig {
	c.l1 = l1
	return c
}

// L2 sets the L2 regularization strength.
func (c *FtrlConfig) L2(l2 float64) *FtrlConfig {
	c.l2 = l2
	return c
}

// LearningRatePower sets the exponent of the accumulated squared-gradient sum in the
// per-coordinate learning rate: the effective rate decays as lr/pow(n, power).
// Default is 0.5.
func (c *FtrlConfig) LearningRatePower(power float64) *FtrlConfig {
	c.lrPower = power
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that
// implements FTRL-Proximal to specification.
func (c *FtrlConfig) Done() Interface {
	validateNonNegative("beta", c.beta)
	validateNonNegative("l1", c.l1)
	validateNonNegative("l2", c.l2)
	if c.learningRate >= 0 {
		validateLearningRate(c.learningRate)
	}
	if c.lrPower <= 0 || c.lrPower > 1 {
		Panicf("invalid lr_power=%g, it must be in the range (0, 1]", c.lrPower)
	}

	// Accumulator-power policy, resolved once. The default 0.5 keeps the classic
	// square-root form on the cheaper Sqrt op.
	var powFn func(n *Node) *Node
	if c.lrPower == 0.5 {
		powFn = Sqrt
	} else {
		power := c.lrPower
		powFn = func(n *Node) *Node { return PowScalar(n, power) }
	}
	return &ftrl{config: c, powFn: powFn}
}

// ftrl implements FTRL-Proximal as an optimizers.Interface.
type ftrl struct {
	config *FtrlConfig
	powFn  func(n *Node) *Node
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *ftrl) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies one FTRL step given the gradients of the trainable
// variables, in the order yielded by Context.IterVariables.
func (o *ftrl) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		Panicf("no gradients given to Ftrl optimizer, are there any trainable variables ?")
	}
	g := grads[0].Graph()
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = lossDType
	}

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, FtrlDefaultLearningRate)
	}
	validateLearningRate(lrValue)
	lrVar := trainoptimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)

	// The step counter is not part of the FTRL recurrence, but it is kept (and
	// checkpointed) like every other optimizer's, and the global step drives the
	// surrounding training loop.
	_ = trainoptimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	_ = trainoptimizers.IncrementGlobalStepGraph(optimizerScope(ctx, o.config.scopeName), g, dtype)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < numTrainable {
				o.applyGraph(ctx, g, v, grads[varIdx], dtype, learningRate)
			}
			varIdx++
		}
	}
	if varIdx != numTrainable {
		Panicf("Ftrl optimizer got gradients for %d variables, but sees %d trainable variables "+
			"-- were new variables created in between ?", numTrainable, varIdx)
	}
}

// applyGraph updates one trainable variable from its accumulators: `n`, the sum of
// squared gradients, and `z`, the linear coefficient of the regularized-leader
// objective. Both only grow; they are reset only by Clear.
func (o *ftrl) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	dtype dtypes.DType, learningRate *Node) {

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

	nVar := slotVariable(ctx, o.config.scopeName, v, "n", dtype)
	zVar := slotVariable(ctx, o.config.scopeName, v, "z", dtype)

	gradSq := Square(grad)
	n := nVar.ValueGraph(g)
	nNew := Add(n, gradSq)

	// sigma corrects z for the parameter's current value, so the closed form below
	// reproduces the proximal step with a per-coordinate decaying learning rate.
	sigma := Div(Sub(o.powFn(nNew), o.powFn(n)), learningRate)
	z := Add(zVar.ValueGraph(g), Sub(grad, Mul(sigma, value)))

	nVar.SetValueGraph(nNew)
	zVar.SetValueGraph(z)

	// Closed-form solution of the regularized-leader objective. The L1 threshold
	// produces exact zeros, not small values.
	l1 := ConstAsDType(g, dtype, o.config.l1)
	shrunkZ := Sub(z, Mul(Sign(z), l1))
	quotient := Div(
		Neg(shrunkZ),
		AddScalar(Div(AddScalar(o.powFn(nNew), o.config.beta), learningRate), o.config.l2))
	updated := Where(LessOrEqual(Abs(z), l1), ZerosLike(z), quotient)

	updated = trainoptimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// Clear deletes all the state kept by the optimizer.
// It implements optimizers.Interface.
func (o *ftrl) Clear(ctx *context.Context) error {
	return clearSlots(ctx, o.config.scopeName)
}
