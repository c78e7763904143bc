package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"
)

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Send implements Sender.
func (e *EmailSender) Send(ctx context.Context, msg Message) error {
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Server)
	}

	body := strings.Join([]string{
		"From: " + e.From,
		"To: " + e.To,
		fmt.Sprintf("Subject: [%v] %v", msg.Severity, msg.Subject),
		"",
		msg.Body,
		"",
	}, "\r\n")

	addr := fmt.Sprintf("%v:%v", e.Server, e.Port)

	if err := smtp.SendMail(addr, auth, e.From, strings.Split(e.To, ","), []byte(body)); err != nil {
		return errors.Wrap(err, "error sending email notification")
	}

	return nil
}

// Summary implements Sender.
func (e *EmailSender) Summary() string {
	return fmt.Sprintf("email %v:%v", e.Server, e.Port)
}
