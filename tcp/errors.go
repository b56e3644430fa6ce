package tcp

import "errors"

// ErrServerStopped is returned by Server methods once Stop has been
// called.
var ErrServerStopped = errors.New("tcp: server stopped")
