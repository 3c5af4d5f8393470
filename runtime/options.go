package runtime

import (
	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/resolve"
)

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	collector gchandle.Collector
	methods   resolve.Methods
	recorder  alc.Recorder
	onFreed   func(*alc.LoadContext)
}

// WithCollector sets the collector. The runtime closes it on Close.
func WithCollector(c gchandle.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithResolveMethods sets the managed resolution methods.
func WithResolveMethods(m resolve.Methods) Option {
	return func(o *options) { o.methods = m }
}

// WithRecorder sets the postmortem recorder, overriding the configured
// postmortem directory.
func WithRecorder(r alc.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithOnFreed registers a callback run after each context teardown. It runs
// with the domain context list lock held and must not call back into the
// runtime.
func WithOnFreed(fn func(*alc.LoadContext)) Option {
	return func(o *options) { o.onFreed = fn }
}
