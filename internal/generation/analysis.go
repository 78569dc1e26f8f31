package generation

import (
	"regexp"
	"strings"
)

// AnalysisSystemPrompt instructs the chat model to answer with the three
// delimited sections ParseAnalysis understands.
const AnalysisSystemPrompt = `You are an assistant that analyzes image generation prompts.
For the user's prompt, respond in exactly this format and nothing else:

---KEYWORDS---
comma separated list of the most important keywords
---IMPROVED---
an improved, more descriptive version of the prompt
---CATEGORIES---
Framing: comma separated keywords describing framing and composition
File Type: comma separated keywords describing the medium or file type
Shoot Context: comma separated keywords describing setting, lighting and mood`

// Section markers in the analysis payload.
const (
	SectionKeywords   = "KEYWORDS"
	SectionImproved   = "IMPROVED"
	SectionCategories = "CATEGORIES"
)

var sectionMarker = regexp.MustCompile(`---\s*([A-Z_ ]+?)\s*---`)

// Analysis is the parsed chat answer for a prompt.
type Analysis struct {
	Keywords         []string
	ImprovedText     string
	CategoryKeywords map[string][]string
}

// ParseAnalysis parses the sectioned payload produced under
// AnalysisSystemPrompt. Every section must be present, the improved text
// must not be empty, and every non-blank category line must have exactly
// one "name: values" separator. Violations return a parse error.
func ParseAnalysis(raw string) (*Analysis, error) {
	sections := splitSections(raw)

	for _, name := range []string{SectionKeywords, SectionImproved, SectionCategories} {
		if _, ok := sections[name]; !ok {
			return nil, NewParseError("chat", "missing ---%s--- section", name)
		}
	}

	improved := strings.TrimSpace(sections[SectionImproved])
	if improved == "" {
		return nil, NewParseError("chat", "empty ---%s--- section", SectionImproved)
	}

	categories := make(map[string][]string)
	for _, line := range strings.Split(sections[SectionCategories], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			return nil, NewParseError("chat", "category line %q: want 2 fields, got %d", line, len(parts))
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, NewParseError("chat", "category line %q has no name", line)
		}
		categories[name] = splitList(parts[1])
	}

	return &Analysis{
		Keywords:         splitList(sections[SectionKeywords]),
		ImprovedText:     improved,
		CategoryKeywords: categories,
	}, nil
}

func splitSections(raw string) map[string]string {
	out := make(map[string]string)
	locs := sectionMarker.FindAllStringSubmatchIndex(raw, -1)
	for i, loc := range locs {
		name := strings.TrimSpace(raw[loc[2]:loc[3]])
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out[name] = raw[loc[1]:end]
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
