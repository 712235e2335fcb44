package intercept

import (
	"context"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

// MessageType identifies a control message sent by a page.
type MessageType string

const (
	MessageSkipWaiting MessageType = "skip-waiting"
	MessageClearCache  MessageType = "clear-cache"
	MessageGetVersion  MessageType = "get-version"
)

// Message is a control message.
type Message struct {
	Type MessageType `json:"type"`
}

// Reply answers a control message. Success is set for skip-waiting and
// clear-cache, Version for get-version.
type Reply struct {
	Success *bool  `json:"success,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleMessage runs msg and delivers the reply on reply, which may be
// nil when the sender does not want one. It returns an UNKNOWN_MESSAGE
// error for unrecognised types, and ctx's error if ctx ends before the
// reply is taken.
func (w *Worker) HandleMessage(ctx context.Context, msg Message, reply chan<- Reply) error {
	var r Reply
	switch msg.Type {
	case MessageSkipWaiting:
		w.logger.Info("Received skip-waiting message")
		err := w.SkipWaiting(ctx)
		r = successReply(err)

	case MessageClearCache:
		w.logger.Info("Received clear-cache message")
		w.ClearCache(ctx)
		r = successReply(nil)

	case MessageGetVersion:
		r = Reply{Version: w.version}

	default:
		return errors.NewError(errors.ErrCodeUnknownMessage, "unknown control message").
			WithComponent("intercept").
			WithDetail("type", string(msg.Type))
	}

	if reply == nil {
		return nil
	}
	select {
	case reply <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func successReply(err error) Reply {
	ok := err == nil
	r := Reply{Success: &ok}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
