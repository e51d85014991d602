package signalr

import (
	"fmt"

	"github.com/creachadair/taskgroup"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// dispatch routes one decoded inbound message.
func (h *HubConnection) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Invocation:
		return h.dispatchInvocation(m)
	case protocol.StreamItem:
		return h.rejectStreaming(m.InvocationID, m.MessageType())
	case protocol.StreamInvocation:
		return h.rejectStreaming(m.InvocationID, m.MessageType())
	case protocol.CancelInvocation:
		h.log.Info().Str("invocationId", m.InvocationID).Msg("ignoring CancelInvocation, invocations cannot be cancelled")
		return nil
	case protocol.Completion:
		// resolve drops the pending entry whether or not it had a callback.
		if !h.pending.resolve(m) {
			h.metrics.completionStray.Add(1)
		}
		h.metrics.callPending.Set(int64(h.pending.len()))
		return nil
	case protocol.Close:
		h.dispatchClose(m)
		return nil
	case protocol.Ping:
		h.log.Debug().Msg("ping received")
		return nil
	default:
		h.metrics.messageDropped.Add(1)
		return HubMessageError(fmt.Sprintf("unexpected message %T", msg))
	}
}

// rejectStreaming answers a streaming message with a failure Completion when
// it carries an invocation id.
func (h *HubConnection) rejectStreaming(id string, t protocol.MessageType) error {
	h.metrics.messageDropped.Add(1)
	h.log.Info().Stringer("type", t).Str("invocationId", id).Msg("streaming is not supported")
	if id == "" {
		return nil
	}
	return h.send(protocol.CompletionWithError(id, fmt.Sprintf("streaming is not supported (%v)", t)))
}

func (h *HubConnection) dispatchClose(m protocol.Close) {
	var cause error
	if m.Error != "" {
		cause = SocketError("server closed the connection: " + m.Error)
		h.log.Error().Str("error", m.Error).Msg("server closed the connection")
	} else {
		h.log.Debug().Msg("server closed the connection")
	}
	h.closeWith(nil, cause)
}

func (h *HubConnection) dispatchInvocation(m protocol.Invocation) error {
	h.metrics.callIn.Add(1)
	handlers := h.handlers.handlers(m.Target)
	if len(handlers) == 0 {
		if m.InvocationID == "" {
			h.log.Debug().Str("method", m.Target).Msg("no handler registered, invocation ignored")
			return nil
		}
		h.metrics.callInErr.Add(1)
		h.log.Warn().Str("method", m.Target).Msg("no handler registered")
		return h.send(protocol.CompletionWithError(m.InvocationID,
			fmt.Sprintf("client has no handler for method %q", m.Target)))
	}

	h.log.Debug().Str("method", m.Target).Str("invocationId", m.InvocationID).
		Int("handlers", len(handlers)).Msg("invocation received")
	h.goSafe("invocation "+m.Target, func() { h.runHandlers(m, handlers) })
	return nil
}

// runHandlers calls every handler concurrently and, if m expects a reply,
// sends exactly one Completion: a failure if any handler failed, otherwise
// the first non-nil result in registration order.
func (h *HubConnection) runHandlers(m protocol.Invocation, handlers []*invocationHandler) {
	type outcome struct {
		result any
		err    error
	}
	outcomes := make([]outcome, len(handlers))
	g := taskgroup.New(nil)
	for i, ih := range handlers {
		g.Go(func() error {
			r, err := ih.invoke(m.Arguments)
			outcomes[i] = outcome{r, err}
			return nil
		})
	}
	g.Wait()

	var (
		result    any
		hasResult bool
		failure   error
	)
	for _, o := range outcomes {
		if o.err != nil {
			h.log.Error().Err(o.err).Str("method", m.Target).Msg("handler failed")
			if failure == nil {
				failure = o.err
			}
			continue
		}
		if !hasResult && o.result != nil {
			result, hasResult = o.result, true
		}
	}
	if m.InvocationID == "" {
		return
	}

	var c protocol.Completion
	if failure != nil {
		h.metrics.callInErr.Add(1)
		c = protocol.CompletionWithError(m.InvocationID, failure.Error())
	} else {
		var err error
		if c, err = protocol.NewCompletion(m.InvocationID, "", result, hasResult); err != nil {
			h.metrics.callInErr.Add(1)
			c = protocol.CompletionWithError(m.InvocationID, fmt.Sprintf("cannot encode result: %v", err))
		}
	}
	if err := h.send(c); err != nil {
		h.log.Error().Err(err).Str("invocationId", m.InvocationID).Msg("sending completion failed")
	}
}
