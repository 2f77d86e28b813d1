// Package notify tells operators about run outcomes.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/logging"
)

// Field is one labelled value of a run summary
type Field struct {
	Name  string
	Value string
}

// Notification describes a run reaching an outcome
type Notification struct {
	RunID   string
	Title   string
	Outcome domain.RunStatus
	Reason  string
	Fields  []Field
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// FromEvent turns a status change into a notification. Only passed, failed
// and stopped runs produce one.
func FromEvent(e controller.Event) (Notification, bool) {
	if e.Type != controller.EventStatusChanged || !e.Status.Draining() {
		return Notification{}, false
	}

	n := Notification{
		RunID:   e.RunID,
		Title:   fmt.Sprintf("Run %s: %s", e.Status, e.RunID),
		Outcome: e.Status,
		Reason:  e.Message,
	}
	if e.Run == nil {
		return n, true
	}

	cfg := e.Run.Config
	if cfg.Username != "" {
		n.Title += " by " + cfg.Username
	}
	s := e.Run.Stats
	n.Fields = append(n.Fields,
		Field{"Games", fmt.Sprintf("%s of %s", humanize.Comma(int64(s.Games())), humanize.Comma(int64(cfg.NumGames)))},
		Field{"W/L/D", fmt.Sprintf("%d/%d/%d", s.Wins, s.Losses, s.Draws)},
		Field{"Pairs", fmt.Sprint(s.Pentanomial)},
		Field{"Bounds", fmt.Sprintf("elo0=%g elo1=%g alpha=%g beta=%g", cfg.Elo0, cfg.Elo1, cfg.Alpha, cfg.Beta)},
	)
	if e.SPRT != nil {
		n.Fields = append(n.Fields, Field{"LLR", fmt.Sprintf("%.2f [%.2f, %.2f]", e.SPRT.LLR, e.SPRT.Lower, e.SPRT.Upper)})
	}
	if e.Elo != nil {
		n.Fields = append(n.Fields, Field{"Elo", fmt.Sprintf("%+.2f ± %.2f", e.Elo.Elo, e.Elo.Margin)})
	}
	if cfg.Info != "" {
		n.Fields = append(n.Fields, Field{"Info", cfg.Info})
	}
	return n, true
}

// Dispatcher delivers notifications off the caller's goroutine. Its Listen
// method is a controller listener.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	queue    chan Notification
}

// NewDispatcher creates a dispatcher holding at most buffer pending
// notifications. Further ones are dropped until Run catches up.
func NewDispatcher(n Notifier, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		notifier: n,
		logger:   logging.OrDefault(logger),
		queue:    make(chan Notification, buffer),
	}
}

// Listen queues the notification for e, if any.
func (d *Dispatcher) Listen(e controller.Event) {
	n, ok := FromEvent(e)
	if !ok {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification dropped", "run_id", n.RunID, "outcome", n.Outcome)
	}
}

// Run sends queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			if err := d.notifier.Send(ctx, n); err != nil {
				d.logger.Warn("sending notification", "run_id", n.RunID, "error", err)
			}
		}
	}
}
