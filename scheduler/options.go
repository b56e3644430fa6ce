package scheduler

// Option configures a Scheduler at construction time, grounded on
// eventloop/options.go's functional-options idiom.
type Option func(*options)

type options struct {
	threadCount int
}

func defaultOptions() options {
	return options{threadCount: 1}
}

func resolveOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithThreadCount sets the initial number of Processor-owning threads (one
// main plus threadCount-1 workers). Values below 1 are treated as 1.
func WithThreadCount(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.threadCount = n
	}
}
