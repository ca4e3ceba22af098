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

// LedgerClient executes atomic value transfers between named balances on the
// double-entry ledger. All calls are best-effort from the escrow engine's point
// of view: the caller logs failures, it never fails the local operation.
type LedgerClient interface {
	Transfer(p TransferParams) (*TransferResult, error)
	GetBalance(balanceID string) (float64, error)
}

type TransferParams struct {
	SourceBalance string            `json:"source_balance"`
	DestBalance   string            `json:"destination_balance"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Reference     string            `json:"reference"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Well-known company balances on the ledger.
const (
	EscrowPoolBalance     = "company_escrow_pool"
	EscrowRecoveryBalance = "company_escrow_recovery"
)

// EscrowBalanceRef names the per-escrow destination balance deterministically
// from the escrow id.
func EscrowBalanceRef(escrowID uint) string {
	return fmt.Sprintf("escrow_%d", escrowID)
}

// WholesalerBalanceRef names a wholesaler's ledger balance.
func WholesalerBalanceRef(wholesalerID string) string {
	return "wholesaler_" + wholesalerID
}

// RetailerBalanceRef names a retailer's ledger balance.
func RetailerBalanceRef(retailerID string) string {
	return "retailer_" + retailerID
}

type LedgerService struct {
	APIKey  string
	BaseURL string
	client  *http.Client
}

// Ledger API response structures
type ledgerResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type ledgerTransferData struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

type ledgerBalanceData struct {
	BalanceID string  `json:"balance_id"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// NewLedgerService creates a ledger client from environment configuration.
func NewLedgerService() *LedgerService {
	baseURL := os.Getenv("LEDGER_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:4100"
	}
	return &LedgerService{
		APIKey:  os.Getenv("LEDGER_API_KEY"),
		BaseURL: baseURL,
		// Ledger calls run after the local commit and must never hang the caller
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// makeRequest makes an HTTP request to the ledger API
func (ls *LedgerService) makeRequest(method, endpoint string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, ls.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+ls.APIKey)
	req.Header.Set("Content-Type", "application/json")

	return ls.client.Do(req)
}

// Transfer moves value between two named ledger balances.
func (ls *LedgerService) Transfer(p TransferParams) (*TransferResult, error) {
	resp, err := ls.makeRequest("POST", "/transfers", p)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ledgerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Status {
		return nil, fmt.Errorf("ledger error: %s", result.Message)
	}

	var data ledgerTransferData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode transfer data: %w", err)
	}

	return &TransferResult{TransactionID: data.TransactionID, Status: data.Status}, nil
}

// GetBalance reports the current amount held on a named ledger balance.
func (ls *LedgerService) GetBalance(balanceID string) (float64, error) {
	resp, err := ls.makeRequest("GET", "/balances/"+balanceID, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var result ledgerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Status {
		return 0, fmt.Errorf("ledger error: %s", result.Message)
	}

	var data ledgerBalanceData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		return 0, fmt.Errorf("failed to decode balance data: %w", err)
	}

	return data.Amount, nil
}
