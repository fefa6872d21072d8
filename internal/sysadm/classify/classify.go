// Package classify holds the line-matchers that turn free-form log
// text from the reference replication/snapshot log into domain events,
// plus the system-health priority computation (spec §4.6). This is
// deliberately a small, easily-patched module: the classifier
// pattern-matches an upstream tool's English log lines, an inherently
// fragile contract that is not this package's to fix (spec §9).
package classify

import (
	"strconv"
	"strings"
)

// EventType names one of the domain events a classified line produces.
type EventType string

const (
	SnapshotCreated      EventType = "snapshot/created"
	ReplicationStarted   EventType = "replication/started"
	ReplicationFinished  EventType = "replication/finished"
	ReplicationFailed    EventType = "replication/failed"
	ReplicationProgress  EventType = "replication/progress"
)

// Classified is the result of matching one line against the
// replication/snapshot classifier.
type Classified struct {
	Type    EventType
	Payload map[string]interface{}
	Matched bool
}

// ReplicationSnapshot matches one line of the reference
// replication/snapshot log against the well-known message templates
// (spec §4.6). Unrecognized lines return Matched=false and are
// dropped.
func ReplicationSnapshot(line string) Classified {
	line = strings.TrimRight(line, "\r\n")

	if rest, ok := cutPrefix(line, "creating snapshot "); ok {
		return Classified{Type: SnapshotCreated, Matched: true, Payload: map[string]interface{}{
			"name": strings.TrimSpace(rest),
		}}
	}

	if idx := strings.Index(line, "Starting replication"); idx >= 0 {
		if pool, ok := afterLastToken(line, " on "); ok {
			payload := map[string]interface{}{"pool": pool, "line": line}
			if logIdx := strings.Index(line, "LOGFILE:"); logIdx >= 0 {
				if fields := strings.Fields(line[logIdx+len("LOGFILE:"):]); len(fields) > 0 {
					payload["logfile"] = fields[0]
				}
			}
			return Classified{Type: ReplicationStarted, Matched: true, Payload: payload}
		}
	}

	if idx := strings.Index(line, "finished replication task"); idx >= 0 {
		if pool, ok := afterArrow(line); ok {
			return Classified{Type: ReplicationFinished, Matched: true, Payload: map[string]interface{}{
				"pool": pool,
			}}
		}
	}

	if strings.Contains(line, "FAILED replication") {
		pool, _ := afterArrow(line)
		payload := map[string]interface{}{"pool": pool}
		if idx := strings.Index(line, "LOGFILE:"); idx >= 0 {
			payload["logfile"] = strings.TrimSpace(line[idx+len("LOGFILE:"):])
		}
		return Classified{Type: ReplicationFailed, Matched: true, Payload: payload}
	}

	return Classified{Matched: false}
}

// RunCounters accumulates the byte progress of one per-run replication
// log (spec §4.6: "maintains running counters (total-bytes,
// current-bytes)").
type RunCounters struct {
	TotalBytes   int64
	CurrentBytes int64
}

// Observe parses one line of a per-run replication log, updating c in
// place. It reports whether current-bytes changed, which is the
// replication/progress emission trigger (spec §4.6: "emits a throttled
// replication/progress event only when the current bytes value
// changes").
func (c *RunCounters) Observe(line string) bool {
	line = strings.TrimSpace(line)

	if rest, ok := cutPrefix(line, "estimated size is "); ok {
		if n, ok := parseSize(rest); ok {
			c.TotalBytes = n
		}
		return false
	}

	// Tabular progress lines carry a running byte count as their second
	// whitespace-separated field, e.g. "pool/dataset@snap  1234567  ...".
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return false
	}
	if n == c.CurrentBytes {
		return false
	}
	c.CurrentBytes = n
	return true
}

// HealthReport is the structured result of a system-health probe (spec
// §4.6).
type HealthReport struct {
	Hostname         string
	HostnameChanged  bool
	Pools            map[string]PoolHealth
	UpdatesAvailable bool
	RebootRequired   bool
}

// PoolHealth describes one storage pool's condition.
type PoolHealth struct {
	Status          string
	CapacityPercent float64
}

// Priority computes the scalar health priority in [0..10] from a
// HealthReport, per spec §4.6: the max of (9 if any pool unhealthy, 6
// if any pool is over 90% capacity, 2 if updates are available, 9 if
// updates require a reboot, 3 if the hostname just changed).
func Priority(r HealthReport) int {
	priority := 0

	for _, pool := range r.Pools {
		if !strings.EqualFold(pool.Status, "ONLINE") {
			priority = max(priority, 9)
		}
		if pool.CapacityPercent > 90 {
			priority = max(priority, 6)
		}
	}
	if r.UpdatesAvailable {
		priority = max(priority, 2)
	}
	if r.RebootRequired {
		priority = max(priority, 9)
	}
	if r.HostnameChanged {
		priority = max(priority, 3)
	}

	return priority
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// afterLastToken returns the trailing token following the last
// occurrence of sep in s (e.g. "... on tank" -> "tank").
func afterLastToken(s, sep string) (string, bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return "", false
	}
	token := strings.TrimSpace(s[idx+len(sep):])
	if token == "" {
		return "", false
	}
	return strings.Fields(token)[0], true
}

// afterArrow extracts the pool name following "-> " in lines like
// "finished replication task ... -> tank" or
// "FAILED replication ... -> tank".
func afterArrow(s string) (string, bool) {
	idx := strings.Index(s, "->")
	if idx < 0 {
		return "", false
	}
	token := strings.TrimSpace(s[idx+len("->"):])
	if token == "" {
		return "", false
	}
	return strings.Fields(token)[0], true
}

// parseSize parses a human-readable size like "12.3G" or "512M" into
// bytes.
func parseSize(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, false
	}

	unit := s[len(s)-1]
	multiplier := int64(1)
	numPart := s
	switch unit {
	case 'K', 'k':
		multiplier = 1 << 10
		numPart = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		numPart = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		numPart = s[:len(s)-1]
	case 'T', 't':
		multiplier = 1 << 40
		numPart = s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, false
	}
	return int64(f * float64(multiplier)), true
}
