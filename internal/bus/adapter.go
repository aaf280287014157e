package bus

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Adapter is the transport behind the bus. The default implementation
// is in-memory; a remote transport can be substituted without touching
// bus semantics.
type Adapter interface {
	// Publish fans the message out to all current subscribers of the
	// channel, preserving per-channel publish order.
	Publish(channel string, msg Message) error
	// Subscribe returns a stream of messages for the channel. The
	// stream closes when ctx is canceled or the adapter is closed.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

const (
	metaKeySource    = "_source"
	metaKeyTarget    = "_target"
	metaKeyChannel   = "_channel"
	metaKeyTimestamp = "_timestamp"

	// subscriberBuffer decouples publishers from slow handlers so a
	// publish returns once the transport has queued the message.
	subscriberBuffer = 256
)

// GoChannelAdapter implements Adapter over watermill's in-memory
// GoChannel pub/sub.
type GoChannelAdapter struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter
}

var _ Adapter = (*GoChannelAdapter)(nil)

// NewGoChannelAdapter initializes the in-memory transport.
func NewGoChannelAdapter() *GoChannelAdapter {
	logger := watermill.NewStdLogger(false, false)
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: subscriberBuffer},
		logger,
	)
	return &GoChannelAdapter{
		pub:    goChannel,
		sub:    goChannel,
		logger: logger,
	}
}

// mapToWatermillMessage converts a bus message to a watermill message.
func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(msg.ID, msg.Payload)

	wmMsg.Metadata.Set(metaKeyChannel, msg.Channel)
	wmMsg.Metadata.Set(metaKeyTimestamp, msg.Timestamp.Format(time.RFC3339Nano))
	if msg.Source != "" {
		wmMsg.Metadata.Set(metaKeySource, msg.Source)
	}
	if msg.Target != "" {
		wmMsg.Metadata.Set(metaKeyTarget, msg.Target)
	}
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	return wmMsg
}

// mapToBusMessage converts a watermill message back to a bus message.
func mapToBusMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		switch k {
		case metaKeySource, metaKeyTarget, metaKeyChannel, metaKeyTimestamp:
		default:
			metadata[k] = v
		}
	}

	ts, _ := time.Parse(time.RFC3339Nano, wmMsg.Metadata.Get(metaKeyTimestamp))

	return Message{
		ID:        wmMsg.UUID,
		Channel:   wmMsg.Metadata.Get(metaKeyChannel),
		Payload:   wmMsg.Payload,
		Timestamp: ts,
		Source:    wmMsg.Metadata.Get(metaKeySource),
		Target:    wmMsg.Metadata.Get(metaKeyTarget),
		Metadata:  metadata,
	}
}

// Publish implements Adapter.
func (a *GoChannelAdapter) Publish(channel string, msg Message) error {
	return a.pub.Publish(channel, mapToWatermillMessage(msg))
}

// Subscribe implements Adapter.
func (a *GoChannelAdapter) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	wmMessages, err := a.sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		for wmMsg := range wmMessages {
			msg := mapToBusMessage(wmMsg)
			select {
			case out <- msg:
				wmMsg.Ack()
			case <-ctx.Done():
				wmMsg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the in-memory transport and completes all
// subscription streams.
func (a *GoChannelAdapter) Close() error {
	return a.sub.Close()
}
