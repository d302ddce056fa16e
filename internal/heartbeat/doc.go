package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FileName is the per-workspace heartbeat document.
const FileName = "HEARTBEAT.md"

var (
	commentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	emptyBoxRe  = regexp.MustCompile(`(?m)^\s*[-*]\s*\[\s?\]\s*$`)
	directiveRe = regexp.MustCompile(`(?m)^\s*@heartbeat\s+enabled=(on|off)\s*$`)
)

// ReadFile returns the heartbeat document for a workspace. A missing file
// returns ("", nil).
func ReadFile(workspace string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(workspace, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", FileName, err)
	}
	return string(raw), nil
}

// MeaningfulContent strips HTML comments, empty checkboxes, the @heartbeat
// directive line, and markdown headings with nothing under them, then trims.
// An empty result means the document has nothing actionable.
func MeaningfulContent(doc string) string {
	doc = commentRe.ReplaceAllString(doc, "")
	doc = emptyBoxRe.ReplaceAllString(doc, "")
	doc = directiveRe.ReplaceAllString(doc, "")

	var kept []string
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

// DirectiveEnabled reads the @heartbeat enabled=on|off directive. found is
// false when the document carries no directive.
func DirectiveEnabled(doc string) (enabled, found bool) {
	m := directiveRe.FindStringSubmatch(doc)
	if m == nil {
		return false, false
	}
	return m[1] == "on", true
}

// SetDirective rewrites (or appends) the directive in a workspace's
// HEARTBEAT.md, creating the file when absent.
func SetDirective(workspace string, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	line := "@heartbeat enabled=" + state

	doc, err := ReadFile(workspace)
	if err != nil {
		return err
	}
	if directiveRe.MatchString(doc) {
		doc = directiveRe.ReplaceAllString(doc, line)
	} else {
		if doc != "" && !strings.HasSuffix(doc, "\n") {
			doc += "\n"
		}
		doc += line + "\n"
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, FileName), []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	return nil
}
