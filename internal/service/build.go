package service

import "context"

// Build is a background ingestion started by IngestAsync.
type Build struct {
	cancel context.CancelFunc
	done   chan struct{}
	report Report
	err    error
}

// Wait blocks until the build publishes or fails.
func (b *Build) Wait() (Report, error) {
	<-b.done
	return b.report, b.err
}

// Done is closed when the build finishes.
func (b *Build) Done() <-chan struct{} { return b.done }

// Cancel aborts the build unless it already published.
func (b *Build) Cancel() { b.cancel() }
