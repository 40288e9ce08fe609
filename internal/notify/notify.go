// Package notify hands registrant-facing messages to the delivery pipeline.
// Delivery itself (mail rendering, SMTP) is owned by a separate worker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Routing keys on the notifications exchange.
const (
	RouteConfirmation = "registration.confirmed"
	RouteEditLink     = "registration.edit_link"
)

// Confirmation is sent once a registration has been committed.
type Confirmation struct {
	RegistrationID string `json:"registrationId"`
	EventID        string `json:"eventId"`
	EventName      string `json:"eventName"`
	TicketName     string `json:"ticketName"`
	Email          string `json:"email"`
	CheckInCode    string `json:"checkInCode"`
	QRCodeURL      string `json:"qrCodeUrl"`
	ReferralLink   string `json:"referralLink"`
}

// EditLink carries the one-time link a registrant uses to edit or cancel.
type EditLink struct {
	RegistrationID string    `json:"registrationId"`
	Email          string    `json:"email"`
	Link           string    `json:"link"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// AMQPNotifier publishes messages to a topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPNotifier dials the broker and declares the exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange declare %s: %w", exchange, err)
	}

	return &AMQPNotifier{conn: conn, exchange: exchange, ch: ch}, nil
}

// SendConfirmation publishes a confirmation message.
func (n *AMQPNotifier) SendConfirmation(ctx context.Context, msg Confirmation) error {
	return n.publish(ctx, RouteConfirmation, msg.RegistrationID, msg)
}

// SendEditLink publishes an edit-link message.
func (n *AMQPNotifier) SendEditLink(ctx context.Context, msg EditLink) error {
	return n.publish(ctx, RouteEditLink, msg.RegistrationID, msg)
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey, messageID string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := newPublishing(messageID, body, time.Now())
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// A channel is closed by the broker after any channel-level error.
	if n.ch == nil {
		ch, err := n.conn.Channel()
		if err != nil {
			return fmt.Errorf("amqp channel: %w", err)
		}
		n.ch = ch
	}
	if err := n.ch.Publish(n.exchange, routingKey, false, false, msg); err != nil {
		_ = n.ch.Close()
		n.ch = nil
		return fmt.Errorf("amqp publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the broker connection.
func (n *AMQPNotifier) Close() error {
	return n.conn.Close()
}

func newPublishing(messageID string, body any, now time.Time) (amqp.Publishing, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode notification: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    now,
		Body:         b,
	}, nil
}

// LogNotifier writes messages to the log instead of a broker. It is used
// when no broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// SendConfirmation logs the confirmation.
func (n *LogNotifier) SendConfirmation(_ context.Context, msg Confirmation) error {
	n.log.Info("registration confirmed",
		zap.String("registration_id", msg.RegistrationID),
		zap.String("event_id", msg.EventID),
		zap.String("email", msg.Email),
		zap.String("check_in_code", msg.CheckInCode),
	)
	return nil
}

// SendEditLink logs the edit link. The link is a bearer credential, so
// only its expiry is recorded.
func (n *LogNotifier) SendEditLink(_ context.Context, msg EditLink) error {
	n.log.Info("edit link issued",
		zap.String("registration_id", msg.RegistrationID),
		zap.String("email", msg.Email),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}
