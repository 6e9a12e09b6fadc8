package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sunshow/workgear/sessionstore/internal/config"
)

// CommandSuffix marks the config key that names a task's operator, e.g.
// {"echo>": "hello"} runs the echo operator with "hello".
const CommandSuffix = ">"

// Request is what an operator receives for one task attempt.
type Request struct {
	TaskID    int64
	SessionID int64
	FullName  string
	// Command is the value stored under the operator key.
	Command any
	// Config is the task's local config after template rendering.
	Config config.Config
	// Params are session params merged with upstream exports and carries.
	Params      config.Config
	StateParams config.Config
	Attempt     int
}

// Result is the outcome of a successful run.
type Result struct {
	Outputs []config.Config
	// CarryParams are made visible to downstream tasks.
	CarryParams config.Config
	StateParams config.Config
}

// Operator executes one kind of task.
type Operator interface {
	Name() string
	Run(ctx context.Context, req *Request) (*Result, error)
}

// RetryableError asks the engine to retry the task after Interval,
// independently of the task's retry limit.
type RetryableError struct {
	Interval time.Duration
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Interval, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retry wraps err as retryable.
func Retry(interval time.Duration, err error) error {
	return &RetryableError{Interval: interval, Err: err}
}

// AsRetryable extracts a RetryableError from err's chain.
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Registry manages available operators
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{operators: make(map[string]Operator)}
}

// Register adds an operator, replacing any operator with the same name
func (r *Registry) Register(op Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[op.Name()] = op
}

// Get returns the operator registered under name
func (r *Registry) Get(name string) (Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[name]
	if !ok {
		return nil, &NoOperatorError{Name: name}
	}
	return op, nil
}

// Names lists registered operator names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operators))
	for name := range r.operators {
		names = append(names, name)
	}
	return names
}

// Resolve finds the operator named by the first "<name>>" key in cfg.
// A config without an operator key resolves to noop.
func (r *Registry) Resolve(cfg config.Config) (Operator, any, error) {
	name, command, ok := CommandOf(cfg)
	if !ok {
		name = NoopName
	}
	op, err := r.Get(name)
	if err != nil {
		return nil, nil, err
	}
	return op, command, nil
}

// CommandOf returns the operator name and argument of a task config.
func CommandOf(cfg config.Config) (string, any, bool) {
	for _, k := range cfg.Keys() {
		if strings.HasSuffix(k, CommandSuffix) && len(k) > len(CommandSuffix) {
			v, _ := cfg.Get(k)
			return strings.TrimSuffix(k, CommandSuffix), v, true
		}
	}
	return "", nil, false
}

// NoOperatorError is returned when no operator is registered under a name
type NoOperatorError struct {
	Name string
}

func (e *NoOperatorError) Error() string {
	return "no operator registered: " + e.Name
}
