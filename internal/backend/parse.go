package backend

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	sessionFormat = "#{session_name}\t#{session_created}\t#{session_attached}"
	paneFormat    = "#{pane_index}\t#{pane_pid}\t#{pane_title}\t#{pane_current_path}\t#{pane_current_command}\t#{pane_active}"
)

// exactTarget forces exact-name matching; bare -t targets prefix-match,
// which would let "pilot-a" resolve to "pilot-ab".
func exactTarget(session string) string {
	return "=" + session
}

func paneTarget(session string, pane int) string {
	return fmt.Sprintf("=%s:0.%d", session, pane)
}

func parseSessions(out string) []SessionInfo {
	var sessions []SessionInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 3 {
			continue
		}
		var info SessionInfo
		info.Name = fields[0]
		if created, err := strconv.ParseInt(fields[1], 10, 64); err == nil && created > 0 {
			info.Created = time.Unix(created, 0)
		}
		info.Attached, _ = strconv.Atoi(fields[2])
		sessions = append(sessions, info)
	}
	return sessions
}

func parsePanes(out string) []Pane {
	var panes []Pane
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 6 {
			continue
		}
		var pane Pane
		pane.Index, _ = strconv.Atoi(fields[0])
		pane.PID, _ = strconv.Atoi(fields[1])
		pane.Title = fields[2]
		pane.CurrentPath = fields[3]
		pane.CurrentCommand = fields[4]
		pane.Active = fields[5] == "1"
		panes = append(panes, pane)
	}
	return panes
}

func parsePaneIndex(out string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse pane index %q: %w", strings.TrimSpace(out), err)
	}
	return index, nil
}

// classify maps tmux stderr to the package's sentinel errors so both
// implementations fail identically.
func classify(err error, output string) error {
	msg := strings.TrimSpace(output)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no server running"),
		strings.Contains(lower, "can't find session"),
		strings.Contains(lower, "session not found"),
		strings.Contains(lower, "can't find window"),
		strings.Contains(lower, "can't find pane"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(lower, "duplicate session"):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
