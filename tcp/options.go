package tcp

import "time"

// ServerOption configures a Server at construction time, grounded on
// eventloop/options.go's functional-options idiom.
type ServerOption func(*serverOptions)

type serverOptions struct {
	connectionCB    ConnectionCallback
	messageCB       MessageCallback
	writeCompleteCB WriteCompleteCallback
	highWaterMarkCB HighWaterMarkCallback
	highWaterMark   int

	acceptRates        map[time.Duration]int
	acceptByRemoteAddr bool
}

func defaultServerOptions() serverOptions {
	return serverOptions{highWaterMark: 64 * 1024 * 1024}
}

// WithConnectionCallback sets the callback fired when a Connection becomes
// connected or disconnected.
func WithConnectionCallback(cb ConnectionCallback) ServerOption {
	return func(o *serverOptions) { o.connectionCB = cb }
}

// WithMessageCallback sets the callback fired when data arrives.
func WithMessageCallback(cb MessageCallback) ServerOption {
	return func(o *serverOptions) { o.messageCB = cb }
}

// WithWriteCompleteCallback sets the callback fired once queued output
// fully drains.
func WithWriteCompleteCallback(cb WriteCompleteCallback) ServerOption {
	return func(o *serverOptions) { o.writeCompleteCB = cb }
}

// WithHighWaterMarkCallback sets the callback fired when a Connection's
// outbound buffer crosses the high water mark, along with the threshold
// itself.
func WithHighWaterMarkCallback(mark int, cb HighWaterMarkCallback) ServerOption {
	return func(o *serverOptions) {
		o.highWaterMark = mark
		o.highWaterMarkCB = cb
	}
}

// WithAcceptRateLimit caps how many connections may be accepted per time
// window, across all peers. Grounded on go-catrate's sliding-window
// Limiter, per SPEC_FULL.md §6's domain-stack addition.
func WithAcceptRateLimit(rates map[time.Duration]int) ServerOption {
	return func(o *serverOptions) {
		o.acceptRates = rates
		o.acceptByRemoteAddr = false
	}
}

// WithAcceptRateLimitByRemoteAddr caps how many connections may be
// accepted per time window, per remote IP address.
func WithAcceptRateLimitByRemoteAddr(rates map[time.Duration]int) ServerOption {
	return func(o *serverOptions) {
		o.acceptRates = rates
		o.acceptByRemoteAddr = true
	}
}
