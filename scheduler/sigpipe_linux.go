package scheduler

import (
	"os/signal"
	"syscall"
)

// ignoreSIGPIPE ignores SIGPIPE for the lifetime of the process, so a
// write to a peer that has closed its end surfaces as EPIPE from the
// syscall rather than terminating the process. Grounded on
// original_source/burger/net/Scheduler.cc's file-scope IgnoreSigPipe,
// whose constructor-on-load runs once per process; a package init here is
// the direct Go equivalent, since importing this package is itself the
// signal that its socket-handling code will run.
func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}
