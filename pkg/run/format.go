package run

import (
	"fmt"
	"strings"

	"github.com/mu-ops/mu/pkg/models"
)

// FormatEvent renders a run event as a chat-friendly lifecycle message.
func FormatEvent(event models.ControlPlaneRunEvent, snapshot models.RunSnapshot) string {
	var b strings.Builder

	switch event.Type {
	case models.RunEventRootDiscovered:
		fmt.Fprintf(&b, "RUN · started\nroot: %s", event.RootIssueID)
	case models.RunEventProgress:
		fmt.Fprintf(&b, "RUN · progress\n%s", event.Progress)
	case models.RunEventCompleted:
		b.WriteString("RUN · completed")
	case models.RunEventFailed:
		b.WriteString("RUN · failed")
		if event.ExitCode != nil {
			fmt.Fprintf(&b, "\nexit code: %d", *event.ExitCode)
		}
	case models.RunEventCancelled:
		b.WriteString("RUN · cancelled")
	default:
		fmt.Fprintf(&b, "RUN · %s", event.Type)
	}

	fmt.Fprintf(&b, "\njob: %s", event.JobID)
	if event.RootIssueID != "" && event.Type != models.RunEventRootDiscovered {
		fmt.Fprintf(&b, "\nroot: %s", event.RootIssueID)
	}
	if snapshot.LastProgress != "" && event.Type != models.RunEventProgress {
		fmt.Fprintf(&b, "\nlast progress: %s", snapshot.LastProgress)
	}
	return b.String()
}
