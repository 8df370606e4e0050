package aqlqueue

import "log"

// Hardware exception bit-codes delivered on the exception signal, one bit
// per condition: bit (code-1) set means the condition fired.
type queueException struct {
	code   uint32
	status Status
}

var queueExceptions = []queueException{
	{1, StatusException},  // wave abort
	{2, StatusException},  // wave trap
	{3, StatusException},  // wave math error
	{4, StatusIllegalInstruction},
	{5, StatusMemoryFault}, // wave memory violation
	{6, StatusMemoryApertureViolation},
	{16, StatusIncompatibleArguments}, // dispatch dimensions invalid
	{17, StatusInvalidAllocation},     // group segment size invalid
	{18, StatusInvalidCodeObject},
	{20, StatusInvalidPacketFormat}, // unsupported packet
	{21, StatusInvalidArgument},     // workgroup size invalid
	{22, StatusInvalidISA},          // register usage invalid
	{23, StatusInvalidPacketFormat}, // vendor packet unsupported
	{31, StatusError},               // preemption error
	{33, StatusMemoryApertureViolation},
	{34, StatusError}, // RAS error
	{35, StatusError}, // fatal halt
	{36, StatusError}, // device new
	{50, StatusError}, // process device remove
}

// exceptionHandler is the second, independent fault machine. It runs
// decoupled from scratch handling so a scratch-growth retry never delays a
// genuine wavefront exception. Always terminal: one dispatch per fault
// instance.
func (q *Queue) exceptionHandler(errorCode int64) bool {
	if q.exceptionState.test(handlerTerminate) {
		sig := q.exceptionSignal
		q.exceptionState.set(handlerDone)
		sig.StoreRelease(0)
		return false
	}

	status := StatusError
	matched := false
	for _, exc := range queueExceptions {
		if errorCode&(1<<(exc.code-1)) != 0 {
			status = exc.status
			matched = true
			break
		}
	}
	if !matched {
		// Surfaced as a generic error, never dropped.
		log.Println("aqlqueue: undefined or unexpected queue exception code:", errorCode)
	}

	q.suspend()
	if q.errCallback != nil {
		q.errCallback(status, q, q.errData)
	}

	sig := q.exceptionSignal
	q.exceptionState.set(handlerDone)
	sig.StoreRelease(0)
	return false
}
