package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Mail talks to the outbound mail relay. It serves mail.send and is the
// routed executor for the mail category.
type Mail struct {
	client *client
	from   string
}

// MailConfig configures the mail provider.
type MailConfig struct {
	BaseURL string
	APIKey  string
	// From is the sender address stamped on outgoing messages.
	From    string
	Timeout time.Duration
}

// NewMail creates a mail provider.
func NewMail(cfg MailConfig) *Mail {
	return &Mail{client: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), from: cfg.From}
}

type sendMailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendMailResponse struct {
	MessageID string `json:"message_id"`
}

// Handle executes a mail action.
func (m *Mail) Handle(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	if action.Kind != actions.KindSendMail {
		return nil, &Error{Op: "mail", Message: fmt.Sprintf("unsupported action kind %s", action.Kind)}
	}

	req := sendMailRequest{
		From:    m.from,
		To:      argString(action.Args, "to"),
		Subject: argString(action.Args, "subject"),
		Body:    argString(action.Args, "body"),
	}
	var resp sendMailResponse
	if err := m.client.doJSON(ctx, "mail: send message", http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &actions.Response{
		Output: fmt.Sprintf("Email sent to %s (message %s).", req.To, resp.MessageID),
	}, nil
}
