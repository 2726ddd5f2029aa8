package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/classpulse/pkg/email"
)

// EmailDirectory resolves a user's address. Implemented by the host
// application's user service.
type EmailDirectory interface {
	EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error)
}

// EmailNotifier is an EventPublisher that turns billing events into
// transactional emails. Delivery is at-least-once; the message content is
// safe to receive twice.
type EmailNotifier struct {
	sender    email.EmailSender
	directory EmailDirectory
	log       *slog.Logger
}

// NewEmailNotifier creates the email notification consumer.
// Panics if required collaborators are nil to fail fast during initialization.
func NewEmailNotifier(sender email.EmailSender, directory EmailDirectory, log *slog.Logger) *EmailNotifier {
	if sender == nil {
		panic("billing: EmailSender is required")
	}
	if directory == nil {
		panic("billing: EmailDirectory is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &EmailNotifier{sender: sender, directory: directory, log: log}
}

// Publish renders and sends the email for a known event type. Unknown event
// types are ignored.
func (n *EmailNotifier) Publish(ctx context.Context, event any) error {
	switch e := event.(type) {
	case SubscriptionActivated:
		return n.send(ctx, e.UserID, "subscription-activated",
			"Your subscription is active",
			fmt.Sprintf(
				"<p>Your subscription is now active for %d %s.</p><p>Thank you for your payment.</p>",
				e.Quantity, pluralClasses(e.Quantity)))
	case SubscriptionUpgraded:
		return n.send(ctx, e.UserID, "subscription-upgraded",
			"Your subscription was upgraded",
			fmt.Sprintf(
				"<p>Your subscription was upgraded from %d to %d %s.</p>",
				e.PreviousQuantity, e.NewQuantity, pluralClasses(e.NewQuantity)))
	case TrialEnding:
		return n.send(ctx, e.UserID, "trial-ending",
			"Your trial is ending soon",
			fmt.Sprintf(
				"<p>Your trial ends on %s. Add a payment method to keep your classes running.</p>",
				e.TrialEndDate.Format(time.DateOnly)))
	default:
		return nil
	}
}

func (n *EmailNotifier) send(ctx context.Context, userID uuid.UUID, tag, subject, body string) error {
	addr, err := n.directory.EmailByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve notification recipient: %w", err)
	}

	params := email.SendEmailParams{
		SendTo:   addr,
		Subject:  subject,
		BodyHTML: body,
		Tag:      tag,
	}
	if err := n.sender.SendEmail(ctx, params); err != nil {
		return fmt.Errorf("failed to send %s email: %w", tag, err)
	}

	n.log.InfoContext(ctx, "billing notification sent",
		slog.String("tag", tag),
		slog.String("user_id", userID.String()))
	return nil
}

func pluralClasses(n int) string {
	if n == 1 {
		return "class"
	}
	return "classes"
}
