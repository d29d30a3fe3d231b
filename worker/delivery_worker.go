package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wacampaign/models"
	"wacampaign/utils"
)

var ErrQueueFull = errors.New("delivery queue is full")

// Sender delivers one outbound message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) (string, error)
}

// DeliveryEvent is published after each message reaches a final state.
type DeliveryEvent struct {
	Message           models.OutboundMessage `json:"message"`
	Status            string                 `json:"status"`
	ProviderMessageID string                 `json:"provider_message_id,omitempty"`
	Error             string                 `json:"error,omitempty"`
	At                time.Time              `json:"at"`
}

// Publisher receives delivery events, e.g. the live conversation feed.
type Publisher interface {
	Publish(ev DeliveryEvent)
}

// DeliveryWorker sends engine output through the channel. Batches are
// delivered one at a time, in the order they were queued, so replies to one
// contact never overtake each other.
type DeliveryWorker struct {
	DB         *gorm.DB
	Sender     Sender
	Feed       Publisher
	Logger     *logrus.Entry
	MaxRetries int
	Backoff    time.Duration

	queue chan []models.OutboundMessage
	done  chan struct{}
	once  sync.Once
}

func NewDeliveryWorker(db *gorm.DB, sender Sender, feed Publisher, queueSize, maxRetries int) *DeliveryWorker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &DeliveryWorker{
		DB:         db,
		Sender:     sender,
		Feed:       feed,
		Logger:     logrus.WithField("component", "delivery"),
		MaxRetries: maxRetries,
		Backoff:    time.Second,
		queue:      make(chan []models.OutboundMessage, queueSize),
		done:       make(chan struct{}),
	}
}

// Enqueue hands a batch to the worker without blocking.
func (w *DeliveryWorker) Enqueue(batch []models.OutboundMessage) error {
	if len(batch) == 0 {
		return nil
	}
	select {
	case w.queue <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start drains the queue until ctx ends. Batches still queued at shutdown are
// delivered with a short grace period before Start returns.
func (w *DeliveryWorker) Start(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })
	w.Logger.Info("Delivery worker started")

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.Logger.Info("Delivery worker shutting down...")
			return
		case batch := <-w.queue:
			w.Deliver(ctx, batch)
		}
	}
}

// Done is closed once Start has returned.
func (w *DeliveryWorker) Done() <-chan struct{} {
	return w.done
}

func (w *DeliveryWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case batch := <-w.queue:
			w.Deliver(ctx, batch)
		default:
			return
		}
	}
}

// Deliver sends a batch in order. Once a message fails for good the rest of the
// batch is marked failed without being sent.
func (w *DeliveryWorker) Deliver(ctx context.Context, batch []models.OutboundMessage) {
	var broken error
	for _, msg := range batch {
		row, err := w.record(ctx, msg)
		if err != nil {
			w.Logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to record delivery")
			continue
		}
		if row.Status == models.DeliverySent {
			continue
		}
		if broken != nil {
			w.finish(ctx, row, msg, "", 0, fmt.Errorf("not sent: an earlier message failed: %w", broken))
			continue
		}
		if err := w.send(ctx, row, msg); err != nil {
			broken = err
		}
	}
}

func (w *DeliveryWorker) send(ctx context.Context, row *models.MessageDelivery, msg models.OutboundMessage) error {
	var lastErr error
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := w.Backoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				w.finish(ctx, row, msg, "", attempt, lastErr)
				return lastErr
			case <-time.After(wait):
			}
		}

		providerID, err := w.Sender.Send(ctx, msg)
		if err == nil {
			w.finish(ctx, row, msg, providerID, attempt, nil)
			return nil
		}
		lastErr = err
		w.Logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"to":         msg.To,
			"attempt":    attempt + 1,
		}).WithError(err).Warn("Delivery attempt failed")

		if !utils.IsRetryable(err) {
			w.finish(ctx, row, msg, "", attempt, err)
			return err
		}
	}
	w.finish(ctx, row, msg, "", w.MaxRetries, lastErr)
	return lastErr
}

func (w *DeliveryWorker) record(ctx context.Context, msg models.OutboundMessage) (*models.MessageDelivery, error) {
	row := &models.MessageDelivery{
		MessageID:      msg.ID,
		ContactAddress: msg.To,
		SessionID:      msg.StepContext.SessionID,
		StepID:         msg.StepContext.StepID,
		ContentType:    msg.ContentType,
		Content:        msg.Content,
		Status:         models.DeliveryPending,
	}
	res := w.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		existing := &models.MessageDelivery{}
		if err := w.DB.WithContext(ctx).Where("message_id = ?", msg.ID).First(existing).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}
	return row, nil
}

func (w *DeliveryWorker) finish(ctx context.Context, row *models.MessageDelivery, msg models.OutboundMessage, providerID string, retries int, sendErr error) {
	updates := map[string]interface{}{
		"retry_count": retries,
	}
	ev := DeliveryEvent{Message: msg, At: time.Now()}

	if sendErr == nil {
		updates["status"] = models.DeliverySent
		updates["provider_message_id"] = providerID
		updates["last_error"] = ""
		ev.Status = models.DeliverySent
		ev.ProviderMessageID = providerID
	} else {
		updates["status"] = models.DeliveryFailed
		updates["last_error"] = sendErr.Error()
		ev.Status = models.DeliveryFailed
		ev.Error = sendErr.Error()
		utils.LogError("delivery_failed", sendErr, map[string]interface{}{
			"message_id": msg.ID,
			"to":         msg.To,
			"retries":    retries,
		})
	}

	// the outcome is recorded even when the caller has gone away
	if err := w.DB.WithContext(context.WithoutCancel(ctx)).Model(row).Updates(updates).Error; err != nil {
		w.Logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to update delivery")
	}
	if w.Feed != nil {
		w.Feed.Publish(ev)
	}
}
