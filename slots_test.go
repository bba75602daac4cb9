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
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotVariable(t *testing.T) {
	ctx := context.New().Checked(false)
	trainable := ctx.In("model").In("layer0").
		VariableWithValue("weights", []float32{1, 2, 3}).
		SetTrainable(true)

	slot := slotVariable(ctx, "TestOptimizer", trainable, "exp_avg", dtypes.Float64)
	require.NotNil(t, slot)
	assert.False(t, slot.Trainable)
	assert.Equal(t, "/TestOptimizer/model/layer0", slot.Scope())
	assert.Equal(t, "weights_exp_avg", slot.Name())
	assert.Equal(t, dtypes.Float64, slot.Shape().DType)
	assert.Equal(t, trainable.Shape().Dimensions, slot.Shape().Dimensions)

	// A second call returns the same variable, not a new one.
	again := slotVariable(ctx, "TestOptimizer", trainable, "exp_avg", dtypes.Float64)
	assert.Same(t, slot, again)
}

func TestSlotVariableNoCollisions(t *testing.T) {
	ctx := context.New().Checked(false)
	trainableA := ctx.In("encoder").VariableWithValue("w", float32(1)).SetTrainable(true)
	trainableB := ctx.In("decoder").VariableWithValue("w", float32(1)).SetTrainable(true)

	slotA := slotVariable(ctx, "TestOptimizer", trainableA, "z", dtypes.Float32)
	slotB := slotVariable(ctx, "TestOptimizer", trainableB, "z", dtypes.Float32)
	otherOptimizerSlotA := slotVariable(ctx, "OtherOptimizer", trainableA, "z", dtypes.Float32)
	assert.NotSame(t, slotA, slotB)
	assert.NotSame(t, slotA, otherOptimizerSlotA)
}

func TestMustSlotVariable(t *testing.T) {
	ctx := context.New().Checked(false)
	trainable := ctx.In("model").VariableWithValue("w", float32(1)).SetTrainable(true)

	created := slotVariable(ctx, "TestOptimizer", trainable, "n", dtypes.Float32)
	assert.Same(t, created, mustSlotVariable(ctx, "TestOptimizer", trainable, "n"))

	// Reading a slot that was never initialized is a programming error.
	require.Panics(t, func() {
		mustSlotVariable(ctx, "TestOptimizer", trainable, "never_created")
	})
}

func TestScalarSlotVariable(t *testing.T) {
	ctx := context.New().Checked(false)
	v := scalarSlotVariable(ctx, "TestOptimizer", "beta2_product", 1.0)
	require.NotNil(t, v)
	assert.False(t, v.Trainable)
	assert.Equal(t, 1.0, tensors.ToScalar[float64](v.MustValue()))

	// Reuse keeps the current value instead of resetting it.
	v.MustSetValue(tensors.FromScalar(0.5))
	again := scalarSlotVariable(ctx, "TestOptimizer", "beta2_product", 1.0)
	assert.Same(t, v, again)
	assert.Equal(t, 0.5, tensors.ToScalar[float64](again.MustValue()))
}

// Scalar slots and clearSlots anchor at the optimizer's root scope even when called
// with a scoped context, so per-parameter slots, scalar slots and the step counter
// all live under the same root and Snapshot's prefix filter sees them all.
func TestSlotScopeAnchoring(t *testing.T) {
	ctx := context.New().Checked(false)
	scoped := ctx.In("session").In("worker")

	v := scalarSlotVariable(scoped, "TestOptimizer", "weight_sum", 0.0)
	assert.Equal(t, "/TestOptimizer", v.Scope())
	assert.Same(t, v, ctx.GetVariableByScopeAndName("/TestOptimizer", "weight_sum"))

	require.NoError(t, clearSlots(scoped, "TestOptimizer"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/TestOptimizer", "weight_sum"))
}

func TestClearSlots(t *testing.T) {
	ctx := context.New().Checked(false)
	trainable := ctx.In("model").VariableWithValue("w", float32(1)).SetTrainable(true)
	slotVariable(ctx, "TestOptimizer", trainable, "z", dtypes.Float32)
	scalarSlotVariable(ctx, "TestOptimizer", "weight_sum", 0.0)

	require.NoError(t, clearSlots(ctx, "TestOptimizer"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/TestOptimizer/model", "w_z"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/TestOptimizer", "weight_sum"))

	// The trainable variable itself is untouched.
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/model", "w"))
	require.Panics(t, func() {
		mustSlotVariable(ctx, "TestOptimizer", trainable, "z")
	})
}
