// Package dispatch hosts request queues and drives their power and
// lifecycle transitions.
//
// A [Host] owns one or more [Queue] values. Each queue delivers requests to a
// handler whose capabilities are found by interface assertion: a handler
// implementing [ReadHandler] receives reads, one implementing [WriteHandler]
// receives writes, and one implementing [StopHandler] is told when an
// in-flight request must stop.
//
// # Power management
//
// While the host is suspended, power-managed queues hold new requests in
// arrival order and send [StopActionSuspend] for every request already
// delivered. Queues created without PowerManaged keep delivering. Resume
// releases held requests in the order they arrived.
//
// # Teardown
//
// [Host.Close] completes held requests with [pkg.ErrCancelled], sends
// [StopActionPurge] for delivered ones, and waits for them to complete.
package dispatch
