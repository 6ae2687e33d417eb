// Package prof writes pprof profiles of a running rwqueue process.
//
// CPU profiling streams to a file between [StartCPU] and [StopCPU]; the
// other profiles are snapshots written by [Write]:
//
//	if err := prof.StartCPU("cpu.prof"); err != nil {
//	    return err
//	}
//	defer prof.StopCPU()
//	// ... workload ...
//	prof.Write(prof.ProfileHeap, "heap.prof")
package prof
