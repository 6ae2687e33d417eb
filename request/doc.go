// Package request defines the caller-owned I/O request handed to a queue.
//
// A [Request] is created by the dispatcher, borrowed by the queue while it is
// formatted and forwarded, and completed exactly once. The completion slot is
// write-once: whichever path resolves it first wins and every later attempt
// returns [ErrAlreadyCompleted] without side effects.
//
// Buffers are exposed through [Memory] handles that the borrower releases when
// it is done with them:
//
//	mem, err := req.InputMemory()
//	if err != nil {
//	    req.Complete(err)
//	    return
//	}
//	defer mem.Release()
package request
