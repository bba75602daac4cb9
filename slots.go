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
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
)

// This file implements the per-parameter state store shared by all optimizers in the
// package: each piece of optimizer state ("slot") is a non-trainable variable stored
// under the optimizer's scope, mirroring the scope and name of the trainable variable
// it belongs to. Slots are created lazily, zero-initialized, on the first update of a
// trainable variable, and are dropped all at once by Interface.Clear.

// slotScopePath returns the absolute scope under which the slots of the given
// trainable variable are stored, for an optimizer using scopeName.
//
// Keying by (optimizer scope, variable scope, variable name) guarantees no two
// parameters ever collide on the same state record, even across optimizers sharing
// a context.
func slotScopePath(scopeName string, trainable *context.Variable) string {
	return fmt.Sprintf("%s%s%s", context.ScopeSeparator, scopeName, trainable.Scope())
}

// optimizerScope returns the context anchored at the optimizer's root scope. All
// optimizer state hangs off this absolute scope, no matter how deeply scoped the
// context the update graph is built from, so Snapshot and Clear always find it.
func optimizerScope(ctx *context.Context, scopeName string) *context.Context {
	return ctx.InAbsPath(context.ScopeSeparator + scopeName)
}

// slotVariable returns the slot variable of the given name for the trainable
// variable, creating it zero-initialized -- shaped like the trainable variable, with
// the optimizer's compute dtype -- if it doesn't exist yet.
func slotVariable(
	ctx *context.Context,
	scopeName string,
	trainable *context.Variable,
	slotName string,
	dtype dtypes.DType,
) *context.Variable {
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	name := fmt.Sprintf("%s_%s", trainable.Name(), slotName)
	return ctx.Checked(false).
		InAbsPath(slotScopePath(scopeName, trainable)).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, shape).
		SetTrainable(false)
}

// mustSlotVariable returns an already existing slot variable.
// Reading optimizer state that was never initialized is a programming error, so it
// panics instead of silently creating a zero default.
func mustSlotVariable(
	ctx *context.Context,
	scopeName string,
	trainable *context.Variable,
	slotName string,
) *context.Variable {
	scope := slotScopePath(scopeName, trainable)
	name := fmt.Sprintf("%s_%s", trainable.Name(), slotName)
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		Panicf("optimizer slot %q for variable %q was read before being initialized -- "+
			"slots are created by the optimizer's update, which must run first", name, trainable.ScopeAndName())
	}
	return v
}

// scalarSlotVariable returns a scalar slot variable owned by the optimizer itself
// (not tied to any trainable variable), such as a running product of decay rates.
// Created with the given initial value if it doesn't exist yet.
func scalarSlotVariable(ctx *context.Context, scopeName, name string, initialValue any) *context.Variable {
	return optimizerScope(ctx, scopeName).
		Checked(false).
		VariableWithValue(name, initialValue).
		SetTrainable(false)
}

// clearSlots deletes all the state owned by the optimizer with the given scope:
// every slot variable and its step counter. The trainable variables themselves are
// untouched.
func clearSlots(ctx *context.Context, scopeName string) error {
	return optimizerScope(ctx, scopeName).DeleteVariablesInScope()
}
