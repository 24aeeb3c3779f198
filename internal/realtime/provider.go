package realtime

import (
	"context"
	"strings"

	"golang.org/x/text/language"
)

const (
	LanguageTraditional = "traditional"
	LanguageSimplified  = "simplified"
	LanguageEnglish     = "english"
	LanguageKorean      = "korean"

	// The conversational instructions are minted into the credential; this
	// is only the agent's local fallback.
	defaultAgentInstructions = "You are a helpful Chinese conversation tutor. Help users practice Chinese speaking with brief, natural responses."
)

type tutorLanguage struct {
	key  string
	tag  language.Tag
	name string
}

// The first entry is the fallback.
var tutorLanguages = []tutorLanguage{
	{key: LanguageTraditional, tag: language.MustParse("zh-Hant-TW"), name: "Traditional Chinese Tutor (Taiwan)"},
	{key: LanguageSimplified, tag: language.MustParse("zh-Hans-CN"), name: "Simplified Chinese Tutor"},
	{key: LanguageEnglish, tag: language.English, name: "Chinese Conversation Tutor"},
	{key: LanguageKorean, tag: language.Korean, name: "중국어 회화 튜터"},
}

var tutorMatcher = func() language.Matcher {
	tags := make([]language.Tag, len(tutorLanguages))
	for i, l := range tutorLanguages {
		tags[i] = l.tag
	}
	return language.NewMatcher(tags)
}()

// ResolveLanguage maps a tutor language key ("traditional", "korean", ...)
// or a BCP 47 tag ("zh-TW", "ko-KR", ...) to a tutor language key.
// Unknown input resolves to traditional.
func ResolveLanguage(tag string) string {
	in := strings.ToLower(strings.TrimSpace(tag))
	for _, l := range tutorLanguages {
		if in == l.key {
			return l.key
		}
	}
	if in == "" {
		return tutorLanguages[0].key
	}
	parsed, err := language.Parse(in)
	if err != nil {
		return tutorLanguages[0].key
	}
	_, idx, conf := tutorMatcher.Match(parsed)
	if conf == language.No || idx < 0 || idx >= len(tutorLanguages) {
		return tutorLanguages[0].key
	}
	return tutorLanguages[idx].key
}

// Agent describes the assistant persona a Session is opened with.
type Agent struct {
	Name         string
	Language     string
	Instructions string
}

// NewAgent builds the tutor agent for a language tag.
func NewAgent(languageTag string) *Agent {
	key := ResolveLanguage(languageTag)
	name := tutorLanguages[0].name
	for _, l := range tutorLanguages {
		if l.key == key {
			name = l.name
			break
		}
	}
	return &Agent{
		Name:         name,
		Language:     key,
		Instructions: defaultAgentInstructions,
	}
}

// Session is one provider connection. Implementations must deliver events
// to the registered handler from a single goroutine, and must stop every
// media track they created when StopAllMedia is called.
type Session interface {
	// OnEvent registers the event handler. It must be called before Connect.
	OnEvent(h EventHandler)
	Connect(ctx context.Context, credential string) error
	SendText(ctx context.Context, text string) error
	AppendAudio(pcm []byte) error
	StopAllMedia() (MediaStopResult, error)
	Disconnect(ctx context.Context) error
}

// Provider constructs sessions for a hosted realtime conversational service.
type Provider interface {
	Name() string
	NewSession(agent *Agent) (Session, error)
}
