package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Bank talks to the payments API. It serves payments.transfer and
// payments.balance and doubles as the routed executor for the payments
// category.
type Bank struct {
	client *client
}

// BankConfig configures the bank provider.
type BankConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewBank creates a bank provider.
func NewBank(cfg BankConfig) *Bank {
	return &Bank{client: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)}
}

type transferRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference,omitempty"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type balanceResponse struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Handle executes a payments action.
func (b *Bank) Handle(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	switch action.Kind {
	case actions.KindTransfer:
		return b.transfer(ctx, action)
	case actions.KindBalance:
		return b.balance(ctx)
	default:
		return nil, &Error{Op: "bank", Message: fmt.Sprintf("unsupported action kind %s", action.Kind)}
	}
}

func (b *Bank) transfer(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	req := transferRequest{
		Amount:    argString(action.Args, "amount"),
		Currency:  argString(action.Args, "currency"),
		Recipient: argString(action.Args, "recipient"),
		Reference: argString(action.Args, "reference"),
	}
	var resp transferResponse
	if err := b.client.doJSON(ctx, "bank: create transfer", http.MethodPost, "/v1/transfers", req, &resp); err != nil {
		return nil, err
	}
	return &actions.Response{
		Output: fmt.Sprintf("Sent %s %s to %s (transaction %s).", req.Amount, req.Currency, req.Recipient, resp.ID),
	}, nil
}

func (b *Bank) balance(ctx context.Context) (*actions.Response, error) {
	var resp balanceResponse
	if err := b.client.doJSON(ctx, "bank: fetch balance", http.MethodGet, "/v1/accounts/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &actions.Response{
		Output: fmt.Sprintf("Your balance is %s %s.", resp.Amount, resp.Currency),
	}, nil
}
