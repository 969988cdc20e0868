package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
)

// The confirmation prompt carries a machine-readable trailer line:
//
//	action: payments.transfer {"amount":"100.00","currency":"EUR",...}
//
// If the process restarts between the prompt and the user's "yes", the
// pending intent is still in the database, but if even that lookup comes up
// empty (the row expired and was swept), the trailer lets the confirmation
// flow reconstruct what was being confirmed from the chat history and ask
// again, instead of shrugging.

const actionMarkerPrefix = "action: "

// ConfirmationPrompt renders the user-facing confirmation message for a
// pending intent, trailer line included.
func ConfirmationPrompt(intent *intents.Intent) string {
	var b strings.Builder
	b.WriteString(intent.Preview)
	b.WriteString("\n\nReply \"yes\" to proceed or \"no\" to cancel.")
	if marker, err := FormatActionMarker(intent.Kind, intent.Args); err == nil {
		b.WriteString("\n\n")
		b.WriteString(marker)
	}
	return b.String()
}

// FormatActionMarker encodes an action as a single trailer line.
func FormatActionMarker(kind actions.Kind, args map[string]string) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode action marker: %w", err)
	}
	return fmt.Sprintf("%s%s %s", actionMarkerPrefix, kind, payload), nil
}

// ParseActionMarker scans a message for an action trailer line and decodes
// it. The last marker in the text wins. Returns ok=false when no valid
// marker is present; a malformed marker is treated as absent.
func ParseActionMarker(text string) (actions.Kind, map[string]string, bool) {
	var found string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, actionMarkerPrefix) {
			found = strings.TrimPrefix(line, actionMarkerPrefix)
		}
	}
	if found == "" {
		return "", nil, false
	}

	kindStr, payload, ok := strings.Cut(found, " ")
	if !ok {
		return "", nil, false
	}
	kind, err := actions.ParseKind(strings.TrimSpace(kindStr))
	if err != nil {
		return "", nil, false
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &args); err != nil {
		return "", nil, false
	}
	return kind, args, true
}
