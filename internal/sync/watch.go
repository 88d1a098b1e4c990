package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lawdesk/lawdesk-go/internal/remote"
)

// Listener streams change notifications from the backend. Satisfied by
// *remote.Client.
type Listener interface {
	Listen(ctx context.Context, tables []string, events chan<- remote.Notification) error
}

// WatchOptions configures the long-running watch loop.
type WatchOptions struct {
	PollInterval time.Duration // periodic full pass cadence
	Listener     Listener      // nil disables push notifications
	OutboxDir    string        // "" disables the attachment drop directory
}

// notifyDebounce batches a burst of change notifications into one pass.
const notifyDebounce = 2 * time.Second

// Watch runs passes until the context is canceled: one immediately, one per
// poll interval, and one shortly after any change notification or outbox
// drop. Triggers arriving while a pass runs coalesce into a single follow-up
// pass, which picks up everything the triggers announced.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	events := make(chan remote.Notification, 64)

	if opts.Listener != nil {
		tables := make([]string, 0, len(Entities))
		for _, ent := range Entities {
			tables = append(tables, ent.Table)
		}

		go func() {
			if err := opts.Listener.Listen(ctx, tables, events); err != nil {
				e.logger.Warn("realtime listener stopped", slog.String("error", err.Error()))
			}
		}()
	}

	drops := make(chan struct{}, 1)

	if opts.OutboxDir != "" {
		outbox, err := NewOutboxWatcher(opts.OutboxDir, e.docs, e.logger)
		if err != nil {
			return err
		}
		defer outbox.Close()

		go outbox.Run(ctx, drops)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	e.runWatchPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			e.runWatchPass(ctx)

		case n := <-events:
			e.logger.Debug("change notification",
				slog.String("table", n.Table),
				slog.String("id", n.RecordID),
			)

			// Document changes get their payloads immediately, scoped to the
			// affected case; the metadata row arrives with the debounced pass.
			if n.Table == "case_documents" && n.ParentID != "" {
				report := NewSyncReport(uuid.New().String())
				e.docs.Reconcile(ctx, report, n.ParentID)
			}

			debounce.Reset(notifyDebounce)

		case <-drops:
			debounce.Reset(notifyDebounce)

		case <-debounce.C:
			e.runWatchPass(ctx)
		}
	}
}

// runWatchPass executes one pass, tolerating the coalescing sentinel and
// logging everything else. Watch mode never dies over a single bad pass.
func (e *Engine) runWatchPass(ctx context.Context) {
	_, err := e.Sync(ctx)

	switch {
	case err == nil, errors.Is(err, ErrPassInFlight):

	case errors.Is(err, ErrUnconfigured):
		e.logger.Debug("pass skipped: not configured")

	default:
		e.logger.Warn("pass failed", slog.String("error", err.Error()))
	}
}
