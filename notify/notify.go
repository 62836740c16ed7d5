// Package notify is the outbound notification port. Delivery is best-effort
// with a bounded time budget; engines never fail because a message did not go
// out.
package notify

import (
	"context"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "notify")

// Priority of an admin notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Sink delivers notifications to users and administrators.
type Sink interface {
	NotifyUser(ctx context.Context, externalID int64, message string, critical bool) error
	NotifyAdmins(ctx context.Context, category string, priority Priority, title, details string) error
}

// LogSink writes every notification to the structured log. It is the default
// sink and the fallback behind richer transports.
type LogSink struct{}

var _ Sink = (*LogSink)(nil)

func (LogSink) NotifyUser(_ context.Context, externalID int64, message string, critical bool) error {
	log.WithFields(logrus.Fields{
		"externalID": externalID,
		"critical":   critical,
	}).Info(message)
	return nil
}

func (LogSink) NotifyAdmins(_ context.Context, category string, priority Priority, title, details string) error {
	log.WithFields(logrus.Fields{
		"category": category,
		"priority": priority,
		"title":    title,
	}).Info(details)
	return nil
}

// RetryQueue persists notifications that could not be delivered so an outer
// process can replay them.
type RetryQueue interface {
	EnqueueUser(ctx context.Context, externalID int64, message string, critical bool) error
	EnqueueAdmin(ctx context.Context, category string, priority Priority, title, details string) error
}

// QueueSink decorates another sink, bounding each delivery by the configured
// notify timeout and parking failures in a retry queue.
type QueueSink struct {
	Inner Sink
	Queue RetryQueue
}

var _ Sink = (*QueueSink)(nil)

func (q *QueueSink) NotifyUser(ctx context.Context, externalID int64, message string, critical bool) error {
	ctx, cancel := context.WithTimeout(ctx, params.FinConfig().NotifyTimeout)
	defer cancel()
	if err := q.Inner.NotifyUser(ctx, externalID, message, critical); err != nil {
		log.WithError(err).WithField("externalID", externalID).Warn("Could not deliver user notification")
		if qErr := q.Queue.EnqueueUser(context.Background(), externalID, message, critical); qErr != nil {
			return errors.Wrap(qErr, "could not enqueue notification for retry")
		}
	}
	return nil
}

func (q *QueueSink) NotifyAdmins(ctx context.Context, category string, priority Priority, title, details string) error {
	ctx, cancel := context.WithTimeout(ctx, params.FinConfig().NotifyTimeout)
	defer cancel()
	if err := q.Inner.NotifyAdmins(ctx, category, priority, title, details); err != nil {
		log.WithError(err).WithField("category", category).Warn("Could not deliver admin notification")
		if qErr := q.Queue.EnqueueAdmin(context.Background(), category, priority, title, details); qErr != nil {
			return errors.Wrap(qErr, "could not enqueue notification for retry")
		}
	}
	return nil
}
