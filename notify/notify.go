// Package notify delivers customer notifications.
//
// The Log implementation writes structured events; a real deployment
// would swap in an email or push gateway behind the same interface.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/fleet-sync/fleet"
)

// Log records notifications via the structured logger.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n fleet.Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("customer_id", n.CustomerID),
		zap.String("booking_id", n.BookingID),
		zap.String("vehicle_id", n.VehicleID),
		zap.String("message", n.Message),
	}
	if n.Refund != nil {
		fields = append(fields, zap.String("refund", n.Refund.StringFixed(2)))
	}
	l.log.Info("customer notification", fields...)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	Sent []fleet.Notification
}

func (r *Recorder) Notify(_ context.Context, n fleet.Notification) error {
	r.Sent = append(r.Sent, n)
	return nil
}
