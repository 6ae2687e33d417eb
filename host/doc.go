// Package host implements the host side of a bulk read/write function.
//
// It is platform-agnostic and talks to hardware through the [hal.HostHAL]
// interface in github.com/ardnew/usbrwq/host/hal.
//
// # Architecture
//
//   - [Device] discovers a device's endpoints and acquires its bulk pipes
//   - [BulkPipe] formats requests into transfers and sends them
//   - [Transfer] is one formatted, send-once request bound to a pipe
//   - [Executor] runs sent transfers and delivers each completion once
//
// # Transfer lifetime
//
//	dev, _ := host.Open(ctx, h, 1)
//	pipe := dev.OutputPipe()
//
//	mem, _ := req.InputMemory()
//	xfer, err := pipe.FormatRequestForWrite(req, mem, nil, nil)
//	mem.Release()
//	if err != nil {
//	    req.Complete(err)
//	    return
//	}
//	xfer.SetCompletionCallback(func(r *request.Request, _ *host.BulkPipe, p host.CompletionParams) {
//	    r.CompleteWithInformation(p.Status, p.Information)
//	})
//	if err := pipe.Send(xfer, 0, 0); err != nil {
//	    req.Complete(err)
//	}
//
// A successful Send transfers ownership of the transfer to the executor until
// the completion callback runs. Cancelling a sent transfer (directly or via
// [request.Request.CancelSentRequest]) is best effort; the outcome, possibly
// [pkg.ErrCancelled], still arrives through the callback.
package host
