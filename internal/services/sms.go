package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Notifier informs retailers and wholesalers of escrow events over SMS.
// Delivery is best-effort; callers log failures and move on.
type Notifier interface {
	Notify(phone string, kind NotificationKind, data map[string]interface{}) error
}

type NotificationKind string

const (
	NotifyEscrowCreated  NotificationKind = "escrow_created"
	NotifyEscrowReleased NotificationKind = "escrow_released"
	NotifyAutoDeduction  NotificationKind = "auto_deduction"
	NotifyRepayment      NotificationKind = "repayment_recorded"
	NotifyDisputeRaised  NotificationKind = "dispute_raised"
)

// SMSService sends templated SMS through the platform gateway.
type SMSService struct {
	APIKey   string
	BaseURL  string
	SenderID string
	client   *http.Client
}

type smsResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// NewSMSService creates an SMS gateway client from environment configuration.
func NewSMSService() *SMSService {
	baseURL := os.Getenv("SMS_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:4200"
	}
	senderID := os.Getenv("SMS_SENDER_ID")
	if senderID == "" {
		senderID = "IsokoPay"
	}
	return &SMSService{
		APIKey:   os.Getenv("SMS_GATEWAY_KEY"),
		BaseURL:  baseURL,
		SenderID: senderID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends one templated SMS to the given MSISDN.
func (s *SMSService) Notify(phone string, kind NotificationKind, data map[string]interface{}) error {
	payload := map[string]interface{}{
		"to":       phone,
		"sender":   s.SenderID,
		"template": string(kind),
		"data":     data,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", s.BaseURL+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var result smsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Status {
		return fmt.Errorf("sms gateway error: %s", result.Message)
	}

	return nil
}
