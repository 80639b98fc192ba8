package reliability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/model"
)

const drainTimeout = 5 * time.Second

// Submit enqueues o for asynchronous recording. It never blocks; a saturated
// queue returns ErrQueueFull.
func (l *Learner) Submit(o model.OrderOutcome) error {
	if err := validateOutcome(o); err != nil {
		return err
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = l.now().UTC()
	}
	select {
	case l.queue <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run records queued outcomes until ctx is done, then drains what is left
// with a short grace period.
func (l *Learner) Run(ctx context.Context) error {
	for {
		select {
		case o := <-l.queue:
			l.record(context.WithoutCancel(ctx), o)
		case <-ctx.Done():
			l.drain()
			return nil
		}
	}
}

func (l *Learner) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case o := <-l.queue:
			l.record(ctx, o)
		default:
			return
		}
	}
}

func (l *Learner) record(ctx context.Context, o model.OrderOutcome) {
	if _, err := l.RecordOutcome(ctx, o); err != nil {
		zap.L().Error("reliability: record queued outcome",
			zap.String("order_id", o.OrderID),
			zap.String("provider", o.ProviderID),
			zap.Error(err),
		)
	}
}
