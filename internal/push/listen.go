package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsyncd/pushgate/internal/bus"
)

const (
	// subscriptionKeepAlive keeps idle pub/sub connections from being
	// reaped by proxies or server timeouts.
	subscriptionKeepAlive = 15 * time.Second
	reconnectDelay        = time.Second
)

// ListenLoop consumes the pub/sub event stream until ctx is cancelled,
// reconnecting with a fixed delay after any stream failure. Connected
// clients stay up across reconnects; only events published during the gap
// are lost.
func (a *App) ListenLoop(ctx context.Context) {
	for {
		if err := a.listen(ctx); err != nil {
			slog.Error("event stream failed, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *App) listen(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, EventChannels...)
	if err != nil {
		return err
	}
	defer sub.Close()

	slog.Info("listening for pub/sub events", "channels", len(EventChannels))

	keepAliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bus.KeepAlive(keepAliveCtx, sub, subscriptionKeepAlive)

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		event, err := DecodeEvent(msg.Channel, []byte(msg.Payload))
		if err != nil {
			slog.Warn("invalid event payload", "channel", msg.Channel, "error", err)
			continue
		}
		a.metrics.AddEvent()
		slog.Debug("received event", "event", event.String())

		// dispatch concurrently so a slow mapping query cannot stall the
		// stream
		go a.HandleEvent(ctx, event)
	}
}
