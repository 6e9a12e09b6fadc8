package operator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/sessionstore/internal/config"
)

// Built-in operator names.
const (
	NoopName  = "noop"
	EchoName  = "echo"
	FailName  = "fail"
	StoreName = "store"
)

// RegisterBuiltins adds the built-in operators to r.
func RegisterBuiltins(r *Registry, logger *zap.SugaredLogger) {
	r.Register(noopOperator{})
	r.Register(&echoOperator{logger: logger})
	r.Register(failOperator{})
	r.Register(storeOperator{})
}

type noopOperator struct{}

func (noopOperator) Name() string { return NoopName }

func (noopOperator) Run(ctx context.Context, req *Request) (*Result, error) {
	return &Result{}, nil
}

// echoOperator logs its argument and reports it as an output.
type echoOperator struct {
	logger *zap.SugaredLogger
}

func (e *echoOperator) Name() string { return EchoName }

func (e *echoOperator) Run(ctx context.Context, req *Request) (*Result, error) {
	msg := fmt.Sprint(req.Command)
	e.logger.Infow("echo", "task_id", req.TaskID, "task", req.FullName, "message", msg)
	return &Result{
		Outputs: []config.Config{config.New().Set("message", msg)},
	}, nil
}

// failOperator always fails with its argument as the message.
type failOperator struct{}

func (failOperator) Name() string { return FailName }

func (failOperator) Run(ctx context.Context, req *Request) (*Result, error) {
	msg := fmt.Sprint(req.Command)
	if msg == "" || req.Command == nil {
		msg = "task failed"
	}
	return nil, errors.New(msg)
}

// storeOperator publishes its argument object as carry params.
type storeOperator struct{}

func (storeOperator) Name() string { return StoreName }

func (storeOperator) Run(ctx context.Context, req *Request) (*Result, error) {
	params, ok := req.Command.(config.Config)
	if !ok {
		return nil, fmt.Errorf("store> expects an object, got %T", req.Command)
	}
	return &Result{CarryParams: params}, nil
}
