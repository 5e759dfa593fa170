package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

const reviewQueueGroup = "review-workers"

// Queue carries review events from the api process to the workers.
type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	now      func() time.Time
}

// Options tune the connection. Zero values fall back to defaults; without a
// ResilienceExecutor publishes are attempted once.
type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("travel-expense-review"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		now:      time.Now,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Subject() string {
	return q.subject
}

func (q *Queue) PublishReviewEvent(ctx context.Context, event domain.ReviewEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = q.now().UTC()
	}
	payload, err := encodeReviewEvent(event)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish_review_event", call, publishErrorClass)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return publishError(event, err)
	}
	return nil
}

// publishErrorClass decides whether a failed review event publish is retried
// and whether it counts against the publish breaker.
func publishErrorClass(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload):
		// A bad subject or an oversized event says nothing about server health.
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionReconnecting):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// publishError marks transport failures as temporary so a submit can be
// answered with 503 and retried by the employee.
func publishError(event domain.ReviewEvent, err error) error {
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	err = fmt.Errorf("%s event for report %s: %w", event.Type, event.ReportID, err)
	if publishErrorClass(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "publish review event", err)
	}
	return err
}

// ScheduleReconciliation hands a reconciliation pass to the worker pool.
func (q *Queue) ScheduleReconciliation(ctx context.Context, reportID string) error {
	return q.PublishReviewEvent(ctx, domain.ReviewEvent{
		Type:     domain.ReviewEventReconcile,
		ReportID: reportID,
	})
}

// SubscribeReviewEvents blocks until ctx is done, then drains the subscription.
func (q *Queue) SubscribeReviewEvents(ctx context.Context, handler func(context.Context, domain.ReviewEvent) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, reviewQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		event, err := decodeReviewEvent(msg.Data)
		if err != nil {
			slog.Error("review_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, event); err != nil {
			slog.Error("review_event_handler_failed",
				"type", string(event.Type),
				"report_id", event.ReportID,
				"receipt_id", event.ReceiptID,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeReviewEvent(event domain.ReviewEvent) ([]byte, error) {
	if err := validateReviewEvent(event); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal review event: %w", err)
	}
	return payload, nil
}

func decodeReviewEvent(data []byte) (domain.ReviewEvent, error) {
	var event domain.ReviewEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.ReviewEvent{}, fmt.Errorf("unmarshal review event: %w", err)
	}
	if err := validateReviewEvent(event); err != nil {
		return domain.ReviewEvent{}, err
	}
	return event, nil
}

func validateReviewEvent(event domain.ReviewEvent) error {
	if strings.TrimSpace(event.ReportID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "review event", errors.New("report id is required"))
	}
	switch event.Type {
	case domain.ReviewEventReconcile:
		return nil
	case domain.ReviewEventUpload:
		if strings.TrimSpace(event.ReceiptID) == "" {
			return domain.WrapError(domain.ErrInvalidInput, "review event", errors.New("receipt id is required for upload events"))
		}
		return nil
	default:
		return domain.WrapError(domain.ErrInvalidInput, "review event", fmt.Errorf("unknown type %q", event.Type))
	}
}
