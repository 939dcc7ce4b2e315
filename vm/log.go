package vm

import "github.com/tliron/commonlog"

var (
	heapLog     = commonlog.GetLogger("heapcoord.heap")
	triggerLog  = commonlog.GetLogger("heapcoord.trigger")
	xgcLog      = commonlog.GetLogger("heapcoord.xgc")
	profilerLog = commonlog.GetLogger("heapcoord.profiler")
)
