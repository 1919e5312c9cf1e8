package store

import (
	"encoding/json"
	"fmt"

	"github.com/dotcommander/forge/internal/models"
)

// CodingRequestPayload is the Payload shape for ActionTypeInitialCodingRequest
// and ActionTypeFollowUpCodingRequest actions.
type CodingRequestPayload struct {
	Prompt string `json:"prompt"`
}

// ScriptPayload is the Payload shape for ActionTypeSetupScript,
// ActionTypeCleanupScript, ActionTypeDevServer, and ActionTypeBrowserChat
// actions: a command line to spawn in the sandbox's working directory.
type ScriptPayload struct {
	Script string   `json:"script"`
	Args   []string `json:"args,omitempty"`
}

// ValidateActionPayload checks that action's Payload decodes into the shape
// its Type requires, walking the full NextAction chain. Called before an
// ExecutorAction is persisted so a malformed payload fails at creation time
// rather than when start_execution tries to spawn it.
func ValidateActionPayload(action *models.ExecutorAction) error {
	for cur := action; cur != nil; cur = cur.NextAction {
		switch cur.Type {
		case models.ActionTypeInitialCodingRequest, models.ActionTypeFollowUpCodingRequest:
			var p CodingRequestPayload
			if err := json.Unmarshal(cur.Payload, &p); err != nil {
				return fmt.Errorf("validate action payload (%s): %w", cur.Type, err)
			}
			if p.Prompt == "" {
				return fmt.Errorf("validate action payload (%s): prompt is required", cur.Type)
			}
		case models.ActionTypeSetupScript, models.ActionTypeCleanupScript, models.ActionTypeDevServer, models.ActionTypeBrowserChat:
			var p ScriptPayload
			if err := json.Unmarshal(cur.Payload, &p); err != nil {
				return fmt.Errorf("validate action payload (%s): %w", cur.Type, err)
			}
			if p.Script == "" {
				return fmt.Errorf("validate action payload (%s): script is required", cur.Type)
			}
		default:
			return fmt.Errorf("validate action payload: unknown action type %q", cur.Type)
		}
	}
	return nil
}
