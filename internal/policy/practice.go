package policy

import (
	"regexp"
	"strings"
)

type PracticeDecision struct {
	Blocked bool
	Reason  string
	// Sanitized is the content with PII masked, safe to embed in tutor
	// instructions.
	Sanitized string
}

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|all)\b.{0,20}\b(instructions?|rules|prompt)\b`),
		regexp.MustCompile(`(?i)\b(system prompt|developer message)\b`),
		regexp.MustCompile(`(?i)\byou are (now|no longer)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret|instructions)\b`),
		regexp.MustCompile(`【[^】]*】`),
	}
	maxPracticeContentLen = 500
)

// ScreenPracticeContent decides whether learner supplied practice content
// may be embedded in tutor instructions. Content that tries to override the
// tutor's instructions is blocked.
func ScreenPracticeContent(content string) PracticeDecision {
	in := strings.TrimSpace(content)
	if in == "" {
		return PracticeDecision{}
	}
	if len([]rune(in)) > maxPracticeContentLen {
		return PracticeDecision{Blocked: true, Reason: "Practice content is too long."}
	}
	for _, re := range injectionPatterns {
		if re.MatchString(in) {
			return PracticeDecision{
				Blocked: true,
				Reason:  "Practice content appears to include instructions for the tutor.",
			}
		}
	}
	sanitized, _ := RedactPII(in)
	return PracticeDecision{Sanitized: sanitized}
}
