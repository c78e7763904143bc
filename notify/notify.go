// Package notify delivers alerts about backup and recovery conditions.
//
// Senders are best-effort collaborators: when none is configured, or when
// every configured sender fails, the message degrades to local logging and
// is never a hard failure for the caller.
package notify

import (
	"context"

	"github.com/coffeebreak/coldbrew/logging"
)

var log = logging.Module("notify")

// Severity of a notification message.
type Severity int

// Supported severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Message is one notification.
type Message struct {
	Severity Severity
	Subject  string
	Body     string
}

// Sender delivers a message through one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Summary() string
}

// Notifier fans a message out to all configured senders.
type Notifier struct {
	senders []Sender
}

// NewNotifier returns a notifier delivering through the given senders.
func NewNotifier(senders ...Sender) *Notifier {
	return &Notifier{senders: senders}
}

// Notify delivers the message through every sender. Delivery failures are
// logged and swallowed; the alert text always reaches the local log.
func (n *Notifier) Notify(ctx context.Context, severity Severity, subject, body string) {
	log(ctx).Infof("ALERT [%v] %v: %v", severity, subject, body)

	if n == nil {
		return
	}

	msg := Message{Severity: severity, Subject: subject, Body: body}

	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			log(ctx).Warnf("unable to deliver notification via %v: %v", s.Summary(), err)
		}
	}
}
