// Package vm implements the heap coordination layer of the runtime.
//
// This package contains:
//   - The managed object header and tri-color mark word
//   - The two-slot operator table for the dynamic and static object models
//   - The Heap: bump allocation, safepoints, coalesced GC requests
//   - The cross-runtime collector arbiter (XGC)
//   - The sampling CPU profiler
package vm
