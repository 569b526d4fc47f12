package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	"aide.dev/aide/kernel/channel"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// Forwarder pumps the frames of a hub subscription onto the page's Pulse
	// stream. Frames keep their broadcast order; serialization failures skip
	// the single bad frame.
	Forwarder struct {
		client Client
		log    telemetry.Logger
	}
)

// NewForwarder returns a Forwarder publishing through the given client.
func NewForwarder(client Client, log telemetry.Logger) (*Forwarder, error) {
	if client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Forwarder{client: client, log: log}, nil
}

// StreamName returns the Pulse stream carrying a page's frames.
func StreamName(pageID string) string {
	return "aide:page:" + pageID
}

// Run consumes the subscription until its channel closes or ctx is done,
// publishing each frame to the page stream. It blocks; callers run it in a
// goroutine per subscription.
func (f *Forwarder) Run(ctx context.Context, sub *channel.Subscription) error {
	stream, err := f.client.Stream(StreamName(sub.PageID()))
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.C():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				f.log.Warn(ctx, "frame serialization failed, skipping",
					"page_id", sub.PageID(), "frame", frame.Type, "err", err)
				continue
			}
			if _, err := stream.Add(ctx, frame.Type, payload); err != nil {
				f.log.Error(ctx, "frame publish failed",
					"page_id", sub.PageID(), "frame", frame.Type, "err", err)
				return err
			}
		}
	}
}
