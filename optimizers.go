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

// Package optimizers implements additional ML optimizers for GoMLX: Schedule-Free AdamW
// (optionally with the PaLM second-moment decay schedule), ADOPT and FTRL.
//
// They all implement the same optimizer interface as GoMLX's own
// github.com/gomlx/gomlx/pkg/ml/train/optimizers package, so they can be used with
// train.Trainer or by themselves in a custom optimization loop.
//
// Example, training with ADOPT:
//
//	trainer := train.NewTrainer(backend, ctx, modelGraph,
//		losses.MeanSquaredError,
//		optimizers.Adopt().Done(),
//		nil, nil)
//
// Each optimizer keeps its per-parameter state (moments, accumulators, auxiliary
// iterates) in non-trainable variables under its own scope, created lazily the first
// time a trainable variable is updated. See Snapshot and Restore for checkpointing
// this state independently of the model.
package optimizers

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	trainoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"golang.org/x/exp/maps"
)

// Interface implemented by all optimizers in this package.
// It is the same interface used by GoMLX's train.Trainer.
type Interface = trainoptimizers.Interface

var (
	// KnownOptimizers is a map of the optimizers provided by this package, by name, to
	// their default constructors. This provides an easy quick start point. One can
	// hyperparameter-tune the optimizers for usually better results.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"schedule_free":      func(ctx *context.Context) Interface { return ScheduleFree().FromContext(ctx).Done() },
		"schedule_free_palm": func(ctx *context.Context) Interface { return ScheduleFree().PaLM().FromContext(ctx).Done() },
		"adopt":              func(ctx *context.Context) Interface { return Adopt().FromContext(ctx).Done() },
		"ftrl":               func(ctx *context.Context) Interface { return Ftrl().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer, used by
	// FromContext. The default value is "schedule_free".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of the
	// learning rate. It is shared with GoMLX's optimizers package, so learning-rate
	// schedules (e.g. cosineschedule) that update the corresponding variable work
	// unchanged with the optimizers defined here.
	ParamLearningRate = trainoptimizers.ParamLearningRate

	// ParamClipNaN, if set to true, drops any updates with NaNs (or +/-Inf).
	// By default non-finite gradients propagate into parameters and state exactly as
	// the arithmetic dictates, matching the reference algorithms.
	ParamClipNaN = trainoptimizers.ParamClipNaN

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient
	// step, after being scaled by the learning rate and the optimizer.
	ParamClipStepByValue = trainoptimizers.ParamClipStepByValue
)

// Scope reserved for optimizers, where the learning-rate variable lives.
const Scope = trainoptimizers.Scope

// GlobalStepVariableName of the step counters kept by each optimizer in its scope.
const GlobalStepVariableName = trainoptimizers.GlobalStepVariableName

// FromContext creates an optimizer from the context hyperparameters.
// See ParamOptimizer. The default is "schedule_free".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "schedule_free")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers -- in case one wants to better handle invalid values.
//
// The optimizers use optional hyperparameters set in the context for configuration --
// see the Param... constants in each optimizer's file.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		Panicf("Unknown optimizer %q, valid values are %v.", optName, maps.Keys(KnownOptimizers))
	}
	return optBuilder(ctx)
}

// Hyperparameter validation: configuration errors are fatal to the step call and are
// never silently corrected.

func validateLearningRate(lr float64) {
	if lr <= 0 {
		Panicf("invalid learning rate %g, it must be > 0", lr)
	}
}

func validateBeta(name string, beta float64) {
	if beta < 0 || beta >= 1 {
		Panicf("invalid %s=%g, it must be in the range [0, 1)", name, beta)
	}
}

func validateNonNegative(name string, value float64) {
	if value < 0 {
		Panicf("invalid %s=%g, it must be >= 0", name, value)
	}
}
