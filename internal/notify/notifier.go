// internal/notify/notifier.go
package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"api-manager/internal/common/config"
	"api-manager/internal/common/logger"
	"api-manager/internal/models"
)

// Publisher is satisfied by aws.SNSClient.
type Publisher interface {
	PublishMessage(ctx context.Context, topicARN, subject, message string, attrs map[string]string) (string, error)
}

// Mailer is satisfied by aws.SESClient.
type Mailer interface {
	SendText(ctx context.Context, from string, to []string, subject, body string) (string, error)
}

// maxListed caps the failed entities written into one message.
const maxListed = 20

// Notifier announces finished batch runs over SNS and/or email.
type Notifier struct {
	cfg       config.NotificationConfig
	publisher Publisher
	mailer    Mailer
	logger    logger.Logger
}

// New returns a Notifier. A nil publisher or mailer disables that channel.
func New(cfg config.NotificationConfig, publisher Publisher, mailer Mailer, log logger.Logger) *Notifier {
	return &Notifier{
		cfg:       cfg,
		publisher: publisher,
		mailer:    mailer,
		logger:    log.WithFields(map[string]interface{}{"component": "notifier"}),
	}
}

// Notify sends report on every enabled channel. With OnlyOnFailure set, a
// run without failures is not announced. Every channel is attempted; the
// returned error joins the ones that failed.
func (n *Notifier) Notify(ctx context.Context, report models.Report) error {
	if n.cfg.OnlyOnFailure && report.Failure == 0 && !report.Cancelled {
		return nil
	}

	subject := Subject(report)
	body := Body(report)
	var errs []error

	if n.publisher != nil && n.cfg.SNS.Enabled {
		id, err := n.publisher.PublishMessage(ctx, n.cfg.SNS.TopicARN, subject, body, map[string]string{
			"operation": report.Operation,
			"outcome":   outcome(report),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sns: %w", err))
		} else {
			n.logger.Info("run notification published", map[string]interface{}{
				"runId":     report.RunID,
				"messageId": id,
			})
		}
	}

	if n.mailer != nil && n.cfg.Email.Enabled {
		id, err := n.mailer.SendText(ctx, n.cfg.Email.FromEmail, n.cfg.Email.To, subject, body)
		if err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		} else {
			n.logger.Info("run notification emailed", map[string]interface{}{
				"runId":     report.RunID,
				"messageId": id,
			})
		}
	}

	return stderrors.Join(errs...)
}

func outcome(report models.Report) string {
	switch {
	case report.Cancelled:
		return "cancelled"
	case report.Failure > 0:
		return "partial"
	default:
		return "success"
	}
}

// Subject is the one-line title of a run notification.
func Subject(report models.Report) string {
	return fmt.Sprintf("[%s] %s: %s", outcome(report), report.Operation, report.Message)
}

// Body lists the counts and the failed entities of a run.
func Body(report models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation: %s\n", report.Operation)
	if report.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", report.RunID)
	}
	fmt.Fprintf(&b, "Total: %d\nSucceeded: %d\nFailed: %d\n", report.Total, report.Success, report.Failure)
	if report.Cancelled {
		fmt.Fprintf(&b, "Cancelled after %d entities\n", len(report.Rows))
	}
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Finished: %s\n", report.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	}

	if len(report.Errors) > 0 {
		b.WriteString("\nFailures:\n")
		for i, e := range report.Errors {
			if i == maxListed {
				fmt.Fprintf(&b, "  ... and %d more\n", len(report.Errors)-maxListed)
				break
			}
			fmt.Fprintf(&b, "  - %s: %s\n", e.EntityID, e.Error)
		}
	}
	return b.String()
}
