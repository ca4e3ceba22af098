package services

import (
	"fmt"
	"log"
	"os"

	"github.com/resend/resend-go/v2"
)

type EmailService struct {
	Client *resend.Client
	From   string
}

func NewEmailService() *EmailService {
	apiKey := os.Getenv("RESEND_API_KEY")
	fromEmail := os.Getenv("FROM_EMAIL")

	if apiKey == "" {
		log.Printf("⚠️  WARNING: RESEND_API_KEY is empty, email alerts will fail")
	}
	if fromEmail == "" {
		fromEmail = "escrow@isokopay.rw"
	}

	return &EmailService{
		Client: resend.NewClient(apiKey),
		From:   fromEmail,
	}
}

// SendDisputeAlert mails the dispute-resolution inbox when a dispute is raised.
func (es *EmailService) SendDisputeAlert(to, orderID, retailerID, raisedBy, reason string, amount float64) error {
	if to == "" {
		return fmt.Errorf("no dispute resolution email configured")
	}

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
	<h2>Escrow Dispute Raised</h2>
	<p>A dispute has been raised on order <strong>%s</strong>.</p>
	<ul>
		<li>Retailer: %s</li>
		<li>Raised by: %s</li>
		<li>Escrow amount: RWF %.2f</li>
		<li>Reason: %s</li>
	</ul>
	<p>The escrow is now frozen in the disputed state until it is resolved manually.</p>
</body>
</html>
	`, orderID, retailerID, raisedBy, amount, reason)

	params := &resend.SendEmailRequest{
		From:    es.From,
		To:      []string{to},
		Subject: fmt.Sprintf("Dispute raised on order %s", orderID),
		Html:    htmlBody,
	}

	sent, err := es.Client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("failed to send email: %v", err)
	}

	log.Printf("✅ Dispute alert sent to %s (ID: %s)", to, sent.Id)
	return nil
}

// SendSchedulerAlert mails the operations inbox when a scheduled sweep fails.
func (es *EmailService) SendSchedulerAlert(to, jobName string, jobErr error) error {
	if to == "" {
		return fmt.Errorf("no alert email configured")
	}

	params := &resend.SendEmailRequest{
		From:    es.From,
		To:      []string{to},
		Subject: fmt.Sprintf("Settlement job %s failed", jobName),
		Html: fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
	<h2>Settlement Job Failure</h2>
	<p>Job <strong>%s</strong> failed with:</p>
	<pre>%v</pre>
	<p>The job will retry on its next scheduled cadence. It can also be re-triggered
	manually from the admin surface.</p>
</body>
</html>
		`, jobName, jobErr),
	}

	sent, err := es.Client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("failed to send email: %v", err)
	}

	log.Printf("✅ Scheduler alert sent to %s (ID: %s)", to, sent.Id)
	return nil
}
