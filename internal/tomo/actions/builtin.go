package actions

import "fmt"

// builtin.go declares the specs for Tomo's built-in action set.  Schemas are
// deliberately strict (additionalProperties: false) so the planner cannot
// smuggle arguments past validation; amounts are strings to avoid float
// rounding in previews and payload hashes.

// DefaultSpecs returns the specs for every built-in action kind.
func DefaultSpecs() []*Spec {
	return []*Spec{
		{
			Kind:        KindTransfer,
			Category:    CategoryPayments,
			Sensitive:   true,
			Description: "Transfer money from the user's account to a named recipient.",
			Schema: `{
				"type": "object",
				"required": ["amount", "currency", "recipient"],
				"additionalProperties": false,
				"properties": {
					"amount":    {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,2})?$"},
					"currency":  {"type": "string", "enum": ["EUR", "USD", "RON", "GBP"]},
					"recipient": {"type": "string", "minLength": 1},
					"reference": {"type": "string"}
				}
			}`,
			PreviewFunc: func(args map[string]string) string {
				preview := fmt.Sprintf("Transfer %s %s to %s", args["amount"], args["currency"], args["recipient"])
				if ref := args["reference"]; ref != "" {
					preview += fmt.Sprintf(" (reference: %s)", ref)
				}
				return preview
			},
		},
		{
			Kind:        KindBalance,
			Category:    CategoryPayments,
			Sensitive:   false,
			Description: "Show the current balance of the user's account.",
			Schema: `{
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"account": {"type": "string"}
				}
			}`,
		},
		{
			Kind:        KindSendMail,
			Category:    CategoryMail,
			Sensitive:   true,
			Description: "Send an email on the user's behalf.",
			Schema: `{
				"type": "object",
				"required": ["to", "subject", "body"],
				"additionalProperties": false,
				"properties": {
					"to":      {"type": "string", "format": "email", "minLength": 3},
					"subject": {"type": "string", "minLength": 1},
					"body":    {"type": "string", "minLength": 1}
				}
			}`,
			PreviewFunc: func(args map[string]string) string {
				return fmt.Sprintf("Send an email to %s with subject %q", args["to"], args["subject"])
			},
		},
		{
			Kind:        KindRegisterDoc,
			Category:    CategoryDocuments,
			Sensitive:   true,
			Description: "Register an official document and obtain a registration number.",
			Schema: `{
				"type": "object",
				"required": ["title", "document_type"],
				"additionalProperties": false,
				"properties": {
					"title":         {"type": "string", "minLength": 1},
					"document_type": {"type": "string", "enum": ["contract", "certificate", "permit", "declaration"]},
					"notes":         {"type": "string"}
				}
			}`,
			PreviewFunc: func(args map[string]string) string {
				return fmt.Sprintf("Register a %s titled %q", args["document_type"], args["title"])
			},
		},
		{
			Kind:        KindDocumentStatus,
			Category:    CategoryDocuments,
			Sensitive:   false,
			Description: "Look up the processing status of a registered document.",
			Schema: `{
				"type": "object",
				"required": ["reference"],
				"additionalProperties": false,
				"properties": {
					"reference": {"type": "string", "minLength": 1}
				}
			}`,
		},
		{
			Kind:        KindLookupRecord,
			Category:    CategoryRecords,
			Sensitive:   false,
			Description: "Search the user's records (transactions, filings, correspondence).",
			Schema: `{
				"type": "object",
				"required": ["query"],
				"additionalProperties": false,
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				}
			}`,
		},
	}
}

// DefaultRegistry returns a registry pre-populated with the built-in specs.
// Handlers are attached by the caller; Validate must still be run after
// wiring.
func DefaultRegistry() (*Registry, error) {
	reg := NewRegistry()
	for _, spec := range DefaultSpecs() {
		if err := reg.Add(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
