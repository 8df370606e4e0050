package aqlqueue

import "github.com/FireBurn/ROCR-Runtime/kfd"

type QueueOption func(*Queue)

// WithErrorHandler registers the callback receiving asynchronous queue
// faults, with an opaque context value passed through unchanged.
func WithErrorHandler(cb ErrorCallback, data interface{}) QueueOption {
	return func(q *Queue) {
		q.errCallback = cb
		q.errData = data
	}
}

func WithPriority(p kfd.Priority) QueueOption {
	return func(q *Queue) {
		q.priority = p
	}
}

// WithConfig applies process-wide policy to the queue.
func WithConfig(cfg *Config) QueueOption {
	return func(q *Queue) {
		if cfg != nil {
			q.cfg = cfg
		}
	}
}

// WithPM4BufferSize overrides the indirect buffer size for PM4 injection.
func WithPM4BufferSize(bytes uint64) QueueOption {
	return func(q *Queue) {
		q.pm4IBSize = bytes
	}
}
