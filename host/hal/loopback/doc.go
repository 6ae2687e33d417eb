// Package loopback provides an in-memory bulk loopback device implementing
// [hal.HostHAL].
//
// The device exposes the OSR FX2 endpoint layout: bulk OUT 0x06,
// bulk IN 0x88 and interrupt IN 0x81. Packets written to the OUT endpoint are
// buffered in FIFO order and returned by reads from the IN endpoint. Reads
// block until a packet is available, so an outstanding read is a convenient
// way to hold a transfer in flight.
//
//	h := loopback.New(loopback.Options{Depth: 16})
//	h.Init(ctx)
//	h.Start()
//	dev, err := host.Open(ctx, h, loopback.Address)
package loopback
