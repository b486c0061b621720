package engine

import (
	"errors"
	"fmt"
	"os"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Output is one named tensor returned by a model run.
type Output struct {
	Name  string
	Shape []int
	Data  []float32
}

// Runtime executes models. Inference itself happens outside this process; a Runtime only moves tensors.
type Runtime interface {
	Load(model string) error
	Run(model string, input Tensor) ([]Output, error)
	Close() error
}

// LoadState records whether a model became usable.
type LoadState int

const (
	StateSuccess LoadState = iota
	StateError
	StateAssetNotFound
)

func (s LoadState) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateAssetNotFound:
		return "asset not found"
	default:
		return "error"
	}
}

// ModelStatus is evaluated once when an adapter is built and never retried per frame.
type ModelStatus struct {
	Model string
	State LoadState
	Err   error
}

func (m ModelStatus) OK() bool { return m.State == StateSuccess }

// Message is a one-line description for degraded-mode reporting, empty when the model loaded.
func (m ModelStatus) Message() string {
	if m.OK() {
		return ""
	}
	if m.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", m.Model, m.State, m.Err)
	}
	return fmt.Sprintf("%s: %s", m.Model, m.State)
}

var ErrNoRuntime = errors.New("no inference runtime configured")

// LoadModel checks the model asset exists and asks the runtime to load it.
func LoadModel(rt Runtime, path string) ModelStatus {
	st := ModelStatus{Model: path}
	if _, err := os.Stat(path); err != nil {
		st.State = StateAssetNotFound
		st.Err = err
		return st
	}
	if rt == nil {
		st.State = StateError
		st.Err = ErrNoRuntime
		return st
	}
	if err := rt.Load(path); err != nil {
		st.State = StateError
		st.Err = err
		return st
	}
	st.State = StateSuccess
	return st
}

// Find returns the first output whose name satisfies match.
func Find(outputs []Output, match func(name string) bool) (Output, bool) {
	for _, o := range outputs {
		if match(o.Name) {
			return o, true
		}
	}
	return Output{}, false
}
