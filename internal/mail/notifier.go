package mail

import (
	"context"
	"errors"
	"fmt"
)

// OperatorNotifier forwards internal notices to the operator inboxes using
// the admin message template.
type OperatorNotifier struct {
	Sender     Sender
	Recipients []string
	ShopName   string
}

// NotifyOperator sends subject and body to every configured recipient.
func (n *OperatorNotifier) NotifyOperator(ctx context.Context, subject, body string) error {
	if len(n.Recipients) == 0 {
		return errors.New("mail: no operator recipients configured")
	}
	return n.Sender.Send(ctx, Message{
		To:       n.Recipients,
		Subject:  fmt.Sprintf("[%s] %s", n.ShopName, subject),
		Template: TemplateAdminMessage,
		Data: map[string]any{
			"Subject": subject,
			"Body":    body,
		},
	})
}
