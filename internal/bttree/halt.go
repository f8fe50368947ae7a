package bttree

import "github.com/danshapiro/mbt/internal/trace"

// Halt implements the Halt Protocol (SPEC_FULL.md "OPEN QUESTION
// RESOLUTIONS" #2): abandoning the subtree rooted at id cancels every
// in-flight VLA job anywhere beneath it and clears every descendant's
// node memory, so a later re-entry into that subtree starts fresh rather
// than resuming mid-job-wait.
func Halt(inst *Instance, id uint32) {
	for _, d := range inst.descendantsOf(id) {
		mem := &inst.mem[d]
		if mem.jobID != "" {
			inst.svc.VLA.Cancel(mem.jobID)
			inst.traceEvent(trace.KindSchedulerCancel, d, map[string]any{"job_id": mem.jobID})
		}
		mem.reset()
	}
}
