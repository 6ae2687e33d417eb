// Package queue implements the read/write request queue of a bulk loopback
// function.
//
// A [Queue] registers itself as the default queue of a [dispatch.Host]. Each
// write is formatted against the device's output pipe and each read against
// its input pipe, then sent without waiting. The transfer's completion
// status and byte count are copied to the request unchanged. Requests that
// cannot be formatted or sent are completed at once with the failure and
// zero bytes, and never reach the pipe's executor.
//
// Suspend and purge notifications cancel the sent transfer. [StopPolicy]
// can give suspended transfers a grace period before they are cancelled.
//
// Queue activity is exported as Prometheus counters under the rwqueue
// namespace.
package queue
