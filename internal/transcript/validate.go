package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/lingo/internal/realtime"
)

const titleRunes = 50

// ValidationWarning describes a turn dropped by Validate.
type ValidationWarning struct {
	Index  int
	Reason string
}

func (w *ValidationWarning) Error() string {
	return fmt.Sprintf("turn %d dropped: %s", w.Index, w.Reason)
}

// Validate keeps the turns that have a known role and at least one text
// block with non-empty text. Dropped turns are reported as warnings in
// input order.
func Validate(turns []realtime.Turn) ([]realtime.Turn, []*ValidationWarning) {
	var (
		valid    []realtime.Turn
		warnings []*ValidationWarning
	)
	for i, t := range turns {
		if reason := invalidReason(t); reason != "" {
			warnings = append(warnings, &ValidationWarning{Index: i, Reason: reason})
			continue
		}
		valid = append(valid, t)
	}
	return valid, warnings
}

func invalidReason(t realtime.Turn) string {
	switch t.Role {
	case realtime.RoleUser, realtime.RoleAssistant:
	case "":
		return "missing role"
	default:
		return fmt.Sprintf("unknown role %q", t.Role)
	}
	if len(t.Content) == 0 {
		return "no content"
	}
	for _, block := range t.Content {
		if block.Type == realtime.BlockText && strings.TrimSpace(block.Text) != "" {
			return ""
		}
	}
	return "no text content"
}

// DeriveTitle titles a conversation after its first user text, cut to 50
// characters with a trailing ellipsis.
func DeriveTitle(turns []realtime.Turn, now time.Time) string {
	for _, t := range turns {
		if t.Role != realtime.RoleUser {
			continue
		}
		for _, block := range t.Content {
			text := strings.TrimSpace(block.Text)
			if block.Type != realtime.BlockText || text == "" {
				continue
			}
			if runes := []rune(text); len(runes) > titleRunes {
				return string(runes[:titleRunes]) + "..."
			}
			return text
		}
	}
	return "Conversation " + now.Format("2006-01-02 15:04")
}
