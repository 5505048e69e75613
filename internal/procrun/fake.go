package procrun

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// Call records one FakeRunner invocation.
type Call struct {
	Name string
	Args []string
}

// HandlerFunc scripts the behaviour of one fake tool.
type HandlerFunc func(ctx context.Context, args []string) ([]byte, error)

// FakeRunner is a Runner for tests. Tools are matched by the base name of
// the command; an unknown tool fails like a missing binary.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
}

// NewFakeRunner returns a FakeRunner with no tools.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for the tool named name.
func (f *FakeRunner) Handle(name string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
}

// Run dispatches to the registered handler.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	tool := filepath.Base(name)
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: tool, Args: append([]string(nil), args...)})
	fn := f.handlers[tool]
	f.mu.Unlock()

	if fn == nil {
		return nil, &gwerr.ProcessError{
			Command:  name,
			Args:     args,
			ExitCode: -1,
			Err:      fmt.Errorf("exec: %q: executable file not found in $PATH", name),
		}
	}
	return fn(ctx, args)
}

// Calls returns the invocations so far for tool, or all of them when tool
// is empty.
func (f *FakeRunner) Calls(tool string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if tool == "" || c.Name == tool {
			out = append(out, c)
		}
	}
	return out
}

// Fail returns a ProcessError as a failing tool would.
func Fail(name string, exitCode int, stderr string) error {
	return &gwerr.ProcessError{
		Command:  name,
		ExitCode: exitCode,
		Stderr:   stderr,
		Err:      fmt.Errorf("exit status %d", exitCode),
	}
}

var _ Runner = (*FakeRunner)(nil)
