package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mu-ops/mu/pkg/models"
)

// presentation renders the compact acknowledgement and the detailed response
// body for one pipeline outcome. The compact form is what the adapter returns
// inline; the detailed form travels through the outbox.

// Ack renders the compact one-line acknowledgement: "<INTENT> · <STATE>",
// with a trailing reason when one applies.
func Ack(intent string, state models.CommandState, reason string) string {
	line := fmt.Sprintf("%s · %s", intentLabel(intent), stateLabel(state))
	if reason != "" {
		line += " (" + reason + ")"
	}
	return line
}

// DetailBody renders the multi-line response delivered via the outbox.
func DetailBody(record *models.CommandRecord, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s · %s\n", intentLabel(record.TargetType), stateLabel(record.State))
	fmt.Fprintf(&b, "command: %s\n", record.CommandID)
	if reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", reason)
	} else if record.ErrorCode != "" {
		fmt.Fprintf(&b, "reason: %s\n", record.ErrorCode)
	}
	if record.ConfirmationExpiresAtMs != nil {
		fmt.Fprintf(&b, "confirm with: confirm %s (expires in %ds)\n",
			record.CommandID, (*record.ConfirmationExpiresAtMs-record.UpdatedAtMs)/1000)
	}
	if record.RetryAtMs != nil {
		fmt.Fprintf(&b, "deferred until: %dms\n", *record.RetryAtMs)
	}
	if record.RunRootID != "" {
		fmt.Fprintf(&b, "root: %s\n", record.RunRootID)
	}
	if len(record.Result) > 0 {
		keys := make([]string, 0, len(record.Result))
		for k := range record.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, formatResultValue(record.Result[k]))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatResultValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func intentLabel(command string) string {
	if command == "" {
		return "COMMAND"
	}
	return strings.ToUpper(command)
}

func stateLabel(state models.CommandState) string {
	return strings.ToUpper(strings.ReplaceAll(string(state), "_", " "))
}
