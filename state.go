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
	"encoding/gob"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State is a snapshot of everything an optimizer keeps between steps: the
// per-parameter slot variables, the step counter and scalar accumulators. It is keyed
// by Variable.ParameterName, which is reversible, so a State can be restored into a
// fresh context.
//
// A State captures optimizer state only; checkpointing the model's own variables is
// the checkpoints package's job.
type State map[string]*tensors.Tensor

// Snapshot captures the state of the optimizer that uses the given scope name (e.g.
// ScheduleFreeDefaultScope, or whatever was set with the config's Scope method).
//
// Restoring the snapshot into a fresh context and stepping is bit-identical to
// stepping the original context, so training can resume exactly where it left off.
func Snapshot(ctx *context.Context, scopeName string) (State, error) {
	prefix := context.ScopeSeparator + scopeName
	state := make(State)
	for v := range ctx.IterVariables() {
		scope := v.Scope()
		if scope != prefix && !strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading optimizer state variable %q", v.ParameterName())
		}
		state[v.ParameterName()] = value
	}
	klog.V(1).Infof("optimizers.Snapshot: captured %d state variables under %q", len(state), prefix)
	return state, nil
}

// Save serializes the State to the given writer in gob format.
func (s State) Save(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(len(s)); err != nil {
		return errors.Wrap(err, "encoding optimizer state size")
	}
	// Sorted keys make the byte stream deterministic.
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := enc.Encode(key); err != nil {
			return errors.Wrapf(err, "encoding optimizer state key %q", key)
		}
		if err := s[key].GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "encoding optimizer state tensor %q", key)
		}
	}
	return nil
}

// Load deserializes a State previously written by State.Save.
func Load(r io.Reader) (State, error) {
	dec := gob.NewDecoder(r)
	var count int
	if err := dec.Decode(&count); err != nil {
		return nil, errors.Wrap(err, "decoding optimizer state size")
	}
	if count < 0 {
		return nil, errors.Errorf("decoding optimizer state: invalid size %d", count)
	}
	state := make(State, count)
	for range count {
		var key string
		if err := dec.Decode(&key); err != nil {
			return nil, errors.Wrap(err, "decoding optimizer state key")
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding optimizer state tensor %q", key)
		}
		state[key] = value
	}
	return state, nil
}

// Restore sets the optimizer state in the context from the State, creating the
// variables that don't exist yet (the usual case when restoring into a fresh
// context). Variables that already exist keep their shape: a shape mismatch means
// the snapshot belongs to a different model and is an error.
func Restore(ctx *context.Context, state State) error {
	var created, updated int
	for key, value := range state {
		scope, name := context.VariableScopeAndNameFromParameterName(key)
		if name == "" {
			return errors.Errorf("invalid optimizer state key %q, it is not a variable parameter name", key)
		}
		v := ctx.GetVariableByScopeAndName(scope, name)
		if v == nil {
			ctx.Checked(false).
				InAbsPath(scope).
				VariableWithValue(name, value).
				SetTrainable(false)
			created++
			continue
		}
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("restoring optimizer state %q: snapshot shape %s does not match variable shape %s",
				key, value.Shape(), v.Shape())
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "restoring optimizer state %q", key)
		}
		updated++
	}
	klog.V(1).Infof("optimizers.Restore: %d state variables created, %d updated", created, updated)
	return nil
}
