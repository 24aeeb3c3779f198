package credential

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed prompts/catalog.yaml prompts/instructions.tmpl
var promptFS embed.FS

const (
	DefaultLanguage         = "traditional"
	DefaultLevel            = "beginner"
	DefaultPracticeMode     = "free"
	DefaultPersonality      = "friendly"
	DefaultCorrectionStyle  = "gentle"
	DefaultResponseLength   = "short"
	DefaultFeedbackStyle    = "positive"
	PracticeModeVocabulary  = "vocabulary"
	PracticeModeSentence    = "sentence"
	maxPracticeContentRunes = 500
)

// Request carries the learner's tutoring preferences. Empty fields take the
// defaults above; IncludeKoreanTranslation defaults to true.
type Request struct {
	Language                 string `json:"language"`
	Level                    string `json:"level"`
	PracticeMode             string `json:"practiceMode"`
	PracticeContent          string `json:"practiceContent"`
	TutorPersonality         string `json:"tutorPersonality"`
	CorrectionStyle          string `json:"correctionStyle"`
	ResponseLength           string `json:"responseLength"`
	FeedbackStyle            string `json:"feedbackStyle"`
	IncludeKoreanTranslation *bool  `json:"includeKoreanTranslation,omitempty"`
}

func (r Request) withDefaults() Request {
	r.Language = orDefault(r.Language, DefaultLanguage)
	r.Level = orDefault(r.Level, DefaultLevel)
	r.PracticeMode = orDefault(r.PracticeMode, DefaultPracticeMode)
	r.TutorPersonality = orDefault(r.TutorPersonality, DefaultPersonality)
	r.CorrectionStyle = orDefault(r.CorrectionStyle, DefaultCorrectionStyle)
	r.ResponseLength = orDefault(r.ResponseLength, DefaultResponseLength)
	r.FeedbackStyle = orDefault(r.FeedbackStyle, DefaultFeedbackStyle)
	r.PracticeContent = strings.TrimSpace(r.PracticeContent)
	if runes := []rune(r.PracticeContent); len(runes) > maxPracticeContentRunes {
		r.PracticeContent = string(runes[:maxPracticeContentRunes])
	}
	if r.IncludeKoreanTranslation == nil {
		on := true
		r.IncludeKoreanTranslation = &on
	}
	return r
}

func orDefault(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}

type LevelProfile struct {
	Description string `yaml:"description"`
	Vocabulary  string `yaml:"vocabulary"`
	Sentence    string `yaml:"sentence"`
	Complexity  string `yaml:"complexity"`
}

type Personality struct {
	Tone        string `yaml:"tone"`
	Description string `yaml:"description"`
}

// Catalog holds the prompt fragments selectable by a Request.
type Catalog struct {
	Levels          map[string]LevelProfile `yaml:"levels"`
	Languages       map[string]string       `yaml:"languages"`
	Personalities   map[string]Personality  `yaml:"personalities"`
	Corrections     map[string]string       `yaml:"corrections"`
	ResponseLengths map[string]string       `yaml:"response_lengths"`
	Feedback        map[string]string       `yaml:"feedback"`
}

func loadCatalog() (*Catalog, error) {
	raw, err := promptFS.ReadFile("prompts/catalog.yaml")
	if err != nil {
		return nil, fmt.Errorf("read prompt catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	switch {
	case c.Levels[DefaultLevel] == (LevelProfile{}):
		return nil, fmt.Errorf("prompt catalog: missing level %q", DefaultLevel)
	case c.Languages[DefaultLanguage] == "":
		return nil, fmt.Errorf("prompt catalog: missing language %q", DefaultLanguage)
	case c.Personalities[DefaultPersonality] == (Personality{}):
		return nil, fmt.Errorf("prompt catalog: missing personality %q", DefaultPersonality)
	case c.Corrections[DefaultCorrectionStyle] == "",
		c.ResponseLengths[DefaultResponseLength] == "",
		c.Feedback[DefaultFeedbackStyle] == "":
		return nil, fmt.Errorf("prompt catalog: missing style defaults")
	}
	return &c, nil
}

// Option is one selectable tutoring preference value.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Options lists the selectable values per preference, for UI pickers.
type Options struct {
	Languages        []Option `json:"languages"`
	Levels           []Option `json:"levels"`
	PracticeModes    []Option `json:"practice_modes"`
	Personalities    []Option `json:"tutor_personalities"`
	CorrectionStyles []Option `json:"correction_styles"`
	ResponseLengths  []Option `json:"response_lengths"`
	FeedbackStyles   []Option `json:"feedback_styles"`
}

// Renderer turns a Request into tutor instructions.
type Renderer struct {
	catalog *Catalog
	tmpl    *template.Template
}

func NewRenderer() (*Renderer, error) {
	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New("instructions.tmpl").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(promptFS, "prompts/instructions.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse instructions template: %w", err)
	}
	return &Renderer{catalog: catalog, tmpl: tmpl}, nil
}

type instructionVars struct {
	Personality       Personality
	Level             LevelProfile
	Language          string
	Correction        string
	ResponseLength    string
	Feedback          string
	PracticeMode      string
	PracticeContent   string
	Words             []string
	KoreanTranslation bool
}

// Instructions renders the tutor instructions for req. Unknown preference
// values fall back to their defaults.
func (r *Renderer) Instructions(req Request) (string, error) {
	req = req.withDefaults()
	c := r.catalog

	vars := instructionVars{
		Personality:       pick(c.Personalities, req.TutorPersonality, DefaultPersonality),
		Level:             pick(c.Levels, req.Level, DefaultLevel),
		Language:          pick(c.Languages, req.Language, DefaultLanguage),
		Correction:        pick(c.Corrections, req.CorrectionStyle, DefaultCorrectionStyle),
		ResponseLength:    pick(c.ResponseLengths, req.ResponseLength, DefaultResponseLength),
		Feedback:          pick(c.Feedback, req.FeedbackStyle, DefaultFeedbackStyle),
		PracticeContent:   req.PracticeContent,
		KoreanTranslation: *req.IncludeKoreanTranslation,
	}
	switch req.PracticeMode {
	case PracticeModeVocabulary:
		vars.Words = SplitWords(req.PracticeContent)
		if len(vars.Words) > 0 {
			vars.PracticeMode = PracticeModeVocabulary
		}
	case PracticeModeSentence:
		if req.PracticeContent != "" {
			vars.PracticeMode = PracticeModeSentence
		}
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}
	return buf.String(), nil
}

// Options returns the catalog's selectable values with display labels.
func (r *Renderer) Options() Options {
	c := r.catalog
	return Options{
		Languages:        optionsOf(c.Languages),
		Levels:           optionsOf(c.Levels),
		PracticeModes:    labelled([]string{DefaultPracticeMode, PracticeModeVocabulary, PracticeModeSentence}),
		Personalities:    optionsOf(c.Personalities),
		CorrectionStyles: optionsOf(c.Corrections),
		ResponseLengths:  optionsOf(c.ResponseLengths),
		FeedbackStyles:   optionsOf(c.Feedback),
	}
}

// SplitWords splits comma separated vocabulary, trimming blanks.
func SplitWords(content string) []string {
	var words []string
	for _, w := range strings.Split(content, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func pick[T any](m map[string]T, key, fallback string) T {
	if v, ok := m[key]; ok {
		return v
	}
	return m[fallback]
}

func optionsOf[T any](m map[string]T) []Option {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return labelled(keys)
}

func labelled(keys []string) []Option {
	title := cases.Title(language.English)
	out := make([]Option, len(keys))
	for i, k := range keys {
		out[i] = Option{Value: k, Label: title.String(strings.ReplaceAll(k, "-", " "))}
	}
	return out
}
