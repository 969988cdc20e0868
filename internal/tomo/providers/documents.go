package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Documents talks to the document registry's current API. Registration has
// not been migrated off the old registry yet, so documents.register is
// handed off to the designated legacy executor; status lookups are served
// here and the provider also acts as the routed executor for the documents
// category.
type Documents struct {
	client *client
}

// DocumentsConfig configures the documents provider.
type DocumentsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewDocuments creates a documents provider.
func NewDocuments(cfg DocumentsConfig) *Documents {
	return &Documents{client: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)}
}

type documentStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// Handle executes a documents action.
func (d *Documents) Handle(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	switch action.Kind {
	case actions.KindRegisterDoc:
		// Registration still lives on the old registry.
		return &actions.Response{Handoff: true, Target: actions.FallbackLegacy}, nil
	case actions.KindDocumentStatus:
		return d.status(ctx, action)
	default:
		return nil, &Error{Op: "documents", Message: fmt.Sprintf("unsupported action kind %s", action.Kind)}
	}
}

func (d *Documents) status(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	ref := argString(action.Args, "reference")
	var resp documentStatusResponse
	err := d.client.doJSON(ctx, "documents: fetch status", http.MethodGet, "/v1/documents/"+ref, nil, &resp)
	if err != nil {
		return nil, err
	}
	out := fmt.Sprintf("Document %s is %s.", resp.Reference, resp.Status)
	if resp.UpdatedAt != "" {
		out += fmt.Sprintf(" Last update: %s.", resp.UpdatedAt)
	}
	return &actions.Response{Output: out}, nil
}

// LegacyRegistry is the executor for the old document registry. Only
// reachable through an explicit legacy hand-off for documents.register.
type LegacyRegistry struct {
	client *client
}

// NewLegacyRegistry creates the legacy registry executor.
func NewLegacyRegistry(cfg DocumentsConfig) *LegacyRegistry {
	return &LegacyRegistry{client: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)}
}

type legacyRegisterRequest struct {
	Title        string `json:"title"`
	DocumentType string `json:"document_type"`
	Notes        string `json:"notes,omitempty"`
}

type legacyRegisterResponse struct {
	RegistrationNumber string `json:"registration_number"`
}

// Handle registers a document in the old registry.
func (l *LegacyRegistry) Handle(ctx context.Context, action *actions.Action) (*actions.Response, error) {
	if action.Kind != actions.KindRegisterDoc {
		return nil, &Error{Op: "legacy registry", Message: fmt.Sprintf("unsupported action kind %s", action.Kind)}
	}

	req := legacyRegisterRequest{
		Title:        argString(action.Args, "title"),
		DocumentType: argString(action.Args, "document_type"),
		Notes:        argString(action.Args, "notes"),
	}
	var resp legacyRegisterResponse
	if err := l.client.doJSON(ctx, "legacy registry: register document", http.MethodPost, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &actions.Response{
		Output: fmt.Sprintf("Registered %q as %s.", req.Title, resp.RegistrationNumber),
	}, nil
}
