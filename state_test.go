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

package optimizers_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/optimizers"
	"github.com/stretchr/testify/require"
)

// Snapshotting after N steps, saving, loading and restoring into a fresh context
// must make step N+1 bit-identical to an uninterrupted run.
func TestStateRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	testCases := []struct {
		name      string
		scopeName string
		build     func() optimizers.Interface
	}{
		{"schedule_free", optimizers.ScheduleFreeDefaultScope, func() optimizers.Interface {
			return optimizers.ScheduleFree().PaLM().LearningRate(0.05).WeightDecay(0.01).Done()
		}},
		{"adopt", optimizers.AdoptDefaultScope, func() optimizers.Interface {
			return optimizers.Adopt().LearningRate(0.05).Done()
		}},
		{"ftrl", optimizers.FtrlDefaultScope, func() optimizers.Interface {
			return optimizers.Ftrl().LearningRate(0.05).L1(0.01).L2(0.1).Done()
		}},
	}
	warmupGrads := []float64{0.4, -0.3, 0.25}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctxA := context.New().Checked(false)
			wA := newScalarParam(ctxA, 1.0)
			execA := newStepExec(t, backend, ctxA, wA, testCase.build())
			for _, grad := range warmupGrads {
				stepOnce(t, execA, grad)
			}

			snapshot, err := optimizers.Snapshot(ctxA, testCase.scopeName)
			require.NoError(t, err)
			require.NotEmpty(t, snapshot)
			var hasStepCounter bool
			for key := range snapshot {
				if strings.HasSuffix(key, context.ScopeSeparator+optimizers.GlobalStepVariableName) {
					hasStepCounter = true
				}
			}
			require.True(t, hasStepCounter, "snapshot is missing the step counter: %v", snapshot)

			var buf bytes.Buffer
			require.NoError(t, snapshot.Save(&buf))
			loaded, err := optimizers.Load(&buf)
			require.NoError(t, err)
			require.Len(t, loaded, len(snapshot))

			// Fresh context: the model parameter carries its mid-training value, the
			// optimizer state comes from the snapshot.
			ctxB := context.New().Checked(false)
			wB := ctxB.In("model").VariableWithValue("w", wA.MustValue()).SetTrainable(true)
			require.NoError(t, optimizers.Restore(ctxB, loaded))
			execB := newStepExec(t, backend, ctxB, wB, testCase.build())

			const nextGrad = 0.9
			stepOnce(t, execA, nextGrad)
			stepOnce(t, execB, nextGrad)
			require.Truef(t, wA.MustValue().Equal(wB.MustValue()),
				"continuation diverged: %s vs %s", wA.MustValue(), wB.MustValue())
		})
	}
}

// Optimizer state is anchored at the optimizer's absolute scope no matter how deeply
// scoped the context the update graph was built from: Snapshot from the root must
// still see the per-parameter slots, the scalar slots and the step counter.
func TestSnapshotFromScopedContext(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	wVar := newScalarParam(ctx, 1.0)
	opt := optimizers.ScheduleFree().LearningRate(0.05).Done()
	exec := newStepExec(t, backend, ctx.In("session").In("worker"), wVar, opt)
	stepOnce(t, exec, 0.4)

	snapshot, err := optimizers.Snapshot(ctx, optimizers.ScheduleFreeDefaultScope)
	require.NoError(t, err)
	for _, want := range []string{
		context.ScopeSeparator + "model" + context.ScopeSeparator + "w_z",
		context.ScopeSeparator + "beta2_product",
		context.ScopeSeparator + "weight_sum",
		context.ScopeSeparator + optimizers.GlobalStepVariableName,
	} {
		var found bool
		for key := range snapshot {
			if strings.HasSuffix(key, want) {
				found = true
				break
			}
		}
		require.Truef(t, found, "snapshot is missing a key ending in %q: %v", want, snapshot)
	}
}

func TestStateLoadErrors(t *testing.T) {
	_, err := optimizers.Load(bytes.NewReader(nil))
	require.Error(t, err)

	_, err = optimizers.Load(bytes.NewReader([]byte("not a gob stream")))
	require.Error(t, err)
}

func TestRestoreShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctxA := context.New().Checked(false)
	wA := newScalarParam(ctxA, 1.0)
	execA := newStepExec(t, backend, ctxA, wA, optimizers.Ftrl().LearningRate(0.05).Done())
	stepOnce(t, execA, 0.4)
	snapshot, err := optimizers.Snapshot(ctxA, optimizers.FtrlDefaultScope)
	require.NoError(t, err)

	ctxB := context.New().Checked(false)
	ctxB.InAbsPath(ftrlStateScope()).
		VariableWithShape("w_n", shapes.Make(dtypes.Float64, 3)).
		SetTrainable(false)
	require.Error(t, optimizers.Restore(ctxB, snapshot))
}
