package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
)

// Request is one parsed workflow request: a markdown body with optional YAML
// frontmatter carrying a title and hints.
type Request struct {
	Title          string
	Classification string // explicit classification hint, overrides scoring
	Tags           []string
	Content        string // markdown body without the frontmatter block
	Path           string // source file, empty for inline requests
}

// frontmatter is the recognized YAML header of a request file.
type frontmatter struct {
	Title          string   `yaml:"title"`
	Classification string   `yaml:"classification"`
	Tags           []string `yaml:"tags"`
}

const frontmatterDelimiter = "---"

// LoadRequest reads and parses a request file.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file %s: %w", path, err)
	}

	request, err := ParseRequest(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse request file %s: %w", path, err)
	}
	request.Path = path
	return request, nil
}

// ParseRequest parses raw request text. A leading frontmatter block delimited
// by "---" lines is decoded as YAML; everything after it is the body.
func ParseRequest(raw string) (*Request, error) {
	body := raw
	request := &Request{}

	trimmed := strings.TrimLeft(raw, "\r\n")
	if strings.HasPrefix(trimmed, frontmatterDelimiter+"\n") || trimmed == frontmatterDelimiter {
		rest := strings.TrimPrefix(trimmed, frontmatterDelimiter)
		rest = strings.TrimPrefix(rest, "\n")
		header, after, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
		if !found {
			return nil, fmt.Errorf("unterminated frontmatter block")
		}

		var fm frontmatter
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("invalid request frontmatter: %w", err)
		}
		request.Title = fm.Title
		request.Tags = fm.Tags
		if fm.Classification != "" {
			classification, ok := proto.ValidateClassification(strings.ToLower(fm.Classification))
			if !ok {
				return nil, fmt.Errorf("invalid classification hint %q (want ui, api, or mixed)", fm.Classification)
			}
			request.Classification = string(classification)
		}

		body = strings.TrimPrefix(after, "\n")
	}

	request.Content = strings.TrimSpace(body)
	if request.Content == "" {
		return nil, fmt.Errorf("request has no content")
	}
	if request.Title == "" {
		request.Title = firstLine(request.Content)
	}
	return request, nil
}

// firstLine returns the first non-empty line, stripped of markdown heading
// markers, as a fallback title.
func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}

// Keyword catalogues for classification scoring. Matches are counted on
// lowercase word boundaries.
//
//nolint:gochecknoglobals // Static keyword catalogues
var (
	uiKeywords = []string{
		"ui", "ux", "frontend", "front-end", "page", "screen", "view",
		"component", "layout", "styling", "css", "design", "widget",
		"button", "form", "dashboard", "render",
	}
	apiKeywords = []string{
		"api", "endpoint", "backend", "back-end", "service", "handler",
		"database", "schema", "migration", "rest", "grpc", "queue",
		"storage", "server", "auth", "pipeline",
	}
)

// Classify computes the workflow family from request content by keyword
// scoring. The second return reports ambiguity: content with no signal at all
// scores Mixed with an advisory, never a hard failure. Content with signal on
// both sides is a genuine hybrid and classifies Mixed without ambiguity
// unless one side clearly dominates.
func Classify(request *Request) (proto.Classification, bool) {
	if request.Classification != "" {
		classification, _ := proto.ValidateClassification(request.Classification)
		return classification, false
	}

	text := strings.ToLower(request.Content + " " + strings.Join(request.Tags, " "))
	words := tokenize(text)

	uiScore := score(words, uiKeywords)
	apiScore := score(words, apiKeywords)

	switch {
	case uiScore == 0 && apiScore == 0:
		return proto.ClassificationMixed, true
	case apiScore == 0:
		return proto.ClassificationUI, false
	case uiScore == 0:
		return proto.ClassificationAPI, false
	case uiScore >= 2*apiScore:
		return proto.ClassificationUI, false
	case apiScore >= 2*uiScore:
		return proto.ClassificationAPI, false
	default:
		return proto.ClassificationMixed, false
	}
}

// tokenize splits text into a word-count map on non-alphanumeric boundaries,
// keeping hyphenated terms intact.
func tokenize(text string) map[string]int {
	words := make(map[string]int)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return false
		default:
			return true
		}
	}) {
		words[field]++
	}
	return words
}

func score(words map[string]int, keywords []string) int {
	total := 0
	for _, keyword := range keywords {
		total += words[keyword]
	}
	return total
}
