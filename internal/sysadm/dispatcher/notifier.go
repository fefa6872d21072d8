package dispatcher

import (
	"strings"

	"github.com/cloudbsdorg/sysadm/internal/sysadm/job"
)

// DefaultNotifier implements the CreateEventNotification hook from spec
// §4.3: it inspects a finished job's commands and exit codes and
// synthesizes a domain-specific summary event in place of the raw log,
// for the package-manager commands this server is built to run. It
// returns ok=false for anything it doesn't recognize, which tells the
// Dispatcher to fall back to emitting the raw log.
func DefaultNotifier(id string, snapshot job.Snapshot, terminal bool) (map[string]interface{}, bool) {
	if !terminal || len(snapshot.Commands) == 0 {
		return nil, false
	}

	action, ok := pkgAction(snapshot.Commands[0])
	if !ok {
		return nil, false
	}

	if snapshot.Success {
		return map[string]interface{}{
			"summary": "package " + action + " finished successfully",
			"action":  action,
		}, true
	}
	return map[string]interface{}{
		"summary": "package " + action + " failed",
		"action":  action,
	}, true
}

func pkgAction(command string) (string, bool) {
	fields := strings.Fields(command)
	for i, f := range fields {
		switch f {
		case "install":
			return "install", true
		case "upgrade":
			return "upgrade", true
		case "delete", "remove":
			return "remove", true
		}
		if i > 2 {
			break
		}
	}
	return "", false
}
