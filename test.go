// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"sync"

	"github.com/bassosimone/runtimex"
)

// Test is a single nettest run being configured and then executed.
//
// Create a Test with [NewTest], configure it through the fluent
// setters, then invoke [*Test.Run] or [*Test.Start] at most once. On
// the first invocation the whole configuration moves into the
// execution context and the original handle becomes empty: a second
// invocation reports [FailureTestAlreadyStarted] without executing
// anything, and calling a setter afterwards is a programming error
// that panics.
//
// A Test is not safe for concurrent configuration. Distinct Test
// instances may run concurrently; they share no mutable state except
// the [Logger], which must tolerate concurrent use.
type Test struct {
	mu    sync.Mutex
	state *testConfig
}

// testConfig is the configuration snapshot exclusively owned by the
// execution context once the test starts.
type testConfig struct {
	cfg            *Config
	configErr      error
	errorFilepath  string
	inputFilepaths []string
	inputs         []string
	logger         Logger
	nettest        Nettest
	onBegin        func()
	onDestroy      func()
	onEnd          func()
	onEntry        func(serializedJSON string)
	options        Options
	outputFilepath string
	variant        Variant
}

// NewTest creates a new [*Test] running the given nettest variant with
// the given measurement collaborator.
//
// The cfg argument contains the common configuration for pipeline
// operations; pass [NewConfig]() unless you need custom collaborators.
func NewTest(cfg *Config, variant Variant, nt Nettest) *Test {
	return &Test{
		state: &testConfig{
			cfg:     cfg,
			logger:  DefaultLogger(),
			nettest: nt,
			options: make(Options),
			variant: variant,
		},
	}
}

// configure runs fn against the configuration state while holding the
// lock. Calling any setter after the test started is a programming
// error.
func (t *Test) configure(fn func(s *testConfig)) *Test {
	t.mu.Lock()
	defer t.mu.Unlock()
	runtimex.Assert(t.state != nil)
	fn(t.state)
	return t
}

// SetOption sets the option with the given key to the given value.
// The value of a known key is validated immediately: the first
// invalid value is recorded and later reported by [*Test.Run] or
// [*Test.Start] as a [FailureValueError], before the pipeline runs.
func (t *Test) SetOption(key, value string) *Test {
	return t.configure(func(s *testConfig) {
		if err := s.options.Set(key, value); err != nil && s.configErr == nil {
			s.configErr = err
		}
	})
}

// AddInput appends an input string for the nettest to measure.
func (t *Test) AddInput(input string) *Test {
	return t.configure(func(s *testConfig) {
		s.inputs = append(s.inputs, input)
	})
}

// AddInputFilepath appends the path of a file containing inputs, one
// per line. The file is read when the test runs.
func (t *Test) AddInputFilepath(path string) *Test {
	return t.configure(func(s *testConfig) {
		s.inputFilepaths = append(s.inputFilepaths, path)
	})
}

// SetInputFilepath replaces any previously configured input file with
// the given one.
func (t *Test) SetInputFilepath(path string) *Test {
	return t.configure(func(s *testConfig) {
		s.inputFilepaths = []string{path}
	})
}

// SetOutputFilepath sets the path of the report file. When unset, a
// name combining the nettest name and the current time is generated.
func (t *Test) SetOutputFilepath(path string) *Test {
	return t.configure(func(s *testConfig) {
		s.outputFilepath = path
	})
}

// SetErrorFilepath sets the path of a file additionally receiving
// warning-severity log lines emitted during the run.
func (t *Test) SetErrorFilepath(path string) *Test {
	return t.configure(func(s *testConfig) {
		s.errorFilepath = path
	})
}

// SetLogger sets the [Logger] receiving log lines, events, and
// progress updates. The default logger discards everything.
func (t *Test) SetLogger(logger Logger) *Test {
	return t.configure(func(s *testConfig) {
		s.logger = logger
	})
}

// OnBegin registers a callback invoked when the test begins.
func (t *Test) OnBegin(cb func()) *Test {
	return t.configure(func(s *testConfig) {
		s.onBegin = cb
	})
}

// OnEntry registers a callback invoked once per report entry with the
// entry serialized as JSON.
func (t *Test) OnEntry(cb func(serializedJSON string)) *Test {
	return t.configure(func(s *testConfig) {
		s.onEntry = cb
	})
}

// OnEnd registers a callback invoked when the test ends.
func (t *Test) OnEnd(cb func()) *Test {
	return t.configure(func(s *testConfig) {
		s.onEnd = cb
	})
}

// OnDestroy registers a callback invoked when the execution context
// releases the test state.
func (t *Test) OnDestroy(cb func()) *Test {
	return t.configure(func(s *testConfig) {
		s.onDestroy = cb
	})
}

// take moves the configuration out of the handle, returning a failure
// when the configuration has already been moved by a previous start.
func (t *Test) take() (*testConfig, Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil, NewFailure(FailureTestAlreadyStarted)
	}
	s := t.state
	t.state = nil
	return s, Failure{}
}

// Run executes the test and blocks until it is complete, returning
// the terminal outcome. The no-failure value means the pipeline ran
// to completion; per-input measurement failures are recorded inside
// the report entries rather than reported here.
func (t *Test) Run(ctx context.Context) Failure {
	s, failure := t.take()
	if failure.IsFailure() {
		return failure
	}
	return runPipeline(ctx, s)
}

// Start executes the test in a background goroutine owning the moved
// configuration and returns immediately. The callback fires exactly
// once, on the background goroutine, with the terminal outcome.
func (t *Test) Start(ctx context.Context, callback func(Failure)) {
	s, failure := t.take()
	go func() {
		if failure.IsFailure() {
			callback(failure)
			return
		}
		callback(runPipeline(ctx, s))
	}()
}
