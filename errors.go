package aqlqueue

import "errors"

var (
	ErrInvalidQueueCreation = errors.New("invalid queue creation")
	ErrOutOfResources       = errors.New("out of resources")
	ErrInvalidQueue         = errors.New("invalid queue")
	ErrInvalidArgument      = errors.New("invalid argument")

	ErrRegistryClosed = errors.New("event registry is closed")
)

// Status codes delivered to the registered error callback. Asynchronous
// faults are detected outside any client call, so they never surface through
// a return value; the callback is the only channel.
type Status int32

const (
	StatusSuccess Status = iota
	StatusError
	StatusOutOfResources
	StatusInvalidQueueCreation
	StatusInvalidQueue
	StatusException
	StatusIllegalInstruction
	StatusMemoryFault
	StatusMemoryApertureViolation
	StatusIncompatibleArguments
	StatusInvalidAllocation
	StatusInvalidCodeObject
	StatusInvalidPacketFormat
	StatusInvalidArgument
	StatusInvalidISA
	StatusCUMaskReduced
)

var statusNames = map[Status]string{
	StatusSuccess:                 "success",
	StatusError:                   "general error",
	StatusOutOfResources:          "out of resources",
	StatusInvalidQueueCreation:    "invalid queue creation",
	StatusInvalidQueue:            "invalid queue",
	StatusException:               "hardware exception",
	StatusIllegalInstruction:      "illegal instruction",
	StatusMemoryFault:             "memory fault",
	StatusMemoryApertureViolation: "memory aperture violation",
	StatusIncompatibleArguments:   "incompatible arguments",
	StatusInvalidAllocation:       "invalid allocation",
	StatusInvalidCodeObject:       "invalid code object",
	StatusInvalidPacketFormat:     "invalid packet format",
	StatusInvalidArgument:         "invalid argument",
	StatusInvalidISA:              "invalid register usage",
	StatusCUMaskReduced:           "cu mask reduced",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown status"
}
