package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/docscout/features/stream/pulse/clients/pulse"
	"goa.design/docscout/runtime/agent/stream"
)

// FanOut bundles a publishing sink with subscriber construction over one
// Pulse client. Services tee the orchestrator's events into FanOut.Sink()
// alongside the SSE sink and later attach subscribers that reuse the same
// Redis connection pool.
type FanOut struct {
	sink   *Sink
	client clientspulse.Client
}

// FanOutOptions configures the helper returned by NewFanOut.
type FanOutOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required, typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewFanOut constructs the session event fan-out.
func NewFanOut(opts FanOutOptions) (*FanOut, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &FanOut{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink for teeing into the turn event stream.
func (f *FanOut) Sink() stream.Sink {
	return f.sink
}

// NewSubscriber constructs a subscriber that reuses the fan-out's client.
func (f *FanOut) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = f.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call during service shutdown after
// all subscribers have been canceled.
func (f *FanOut) Close(ctx context.Context) error {
	return f.sink.Close(ctx)
}
