// Package hal defines the hardware boundary of the host side.
//
// The [HostHAL] interface is deliberately small: lifecycle, control transfers
// for descriptor discovery, and bulk transfers for the read/write pipes.
// Everything above it (pipe selection, request formatting, completion routing,
// cancellation) lives in the host and queue packages.
//
// An in-memory bulk loopback implementation is available in
// [github.com/ardnew/usbrwq/host/hal/loopback].
package hal
