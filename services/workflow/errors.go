package workflow

import "errors"

var (
	ErrUnknownResourceType = errors.New("unknown resource_type")
	ErrMissingConfig       = errors.New("missing required config")
	ErrInvalidConfig       = errors.New("invalid action config")
	ErrEntityNotFound      = errors.New("entity not found")
	ErrUnsupportedAction   = errors.New("unsupported action type")
	ErrCyclicGraph         = errors.New("step graph contains a cycle")
	ErrQueueFull           = errors.New("workflow queue is full")
	ErrDispatcherClosed    = errors.New("dispatcher is shut down")
	ErrWorkflowNotFound    = errors.New("workflow not found")
)
