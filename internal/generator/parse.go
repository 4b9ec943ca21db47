package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/superpaes/exercise-gateway/internal/gateway"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

// errUnparseable marks a provider answer that held no usable candidate.
var errUnparseable = errors.New("generator: unparseable candidate")

type candidate struct {
	Question      string          `json:"question"`
	Options       json.RawMessage `json:"options"`
	CorrectAnswer string          `json:"correctAnswer"`
	Explanation   string          `json:"explanation"`
}

// Some providers nest the completion text one level down.
type wrapped struct {
	Content string `json:"content"`
	Text    string `json:"text"`
}

type parsed struct {
	question      string
	options       []string
	correctAnswer string
	explanation   string
}

// parseResult extracts the exercise fields from a gateway result. question,
// options and correctAnswer are required.
func parseResult(res gateway.Result) (parsed, error) {
	var raw json.RawMessage
	switch res.Kind {
	case gateway.KindStructured:
		raw = res.Structured
	case gateway.KindText:
		obj, ok := upstream.ExtractJSONObject(res.Text)
		if !ok {
			return parsed{}, fmt.Errorf("%w: no JSON object in text answer", errUnparseable)
		}
		raw = obj
	default:
		return parsed{}, fmt.Errorf("%w: %s result", errUnparseable, res.Kind)
	}

	var c candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return parsed{}, fmt.Errorf("%w: %v", errUnparseable, err)
	}
	if c.Question == "" && len(c.Options) == 0 {
		var w wrapped
		if err := json.Unmarshal(raw, &w); err == nil {
			inner := firstNonEmpty(w.Content, w.Text)
			if inner != "" {
				return parseResult(gateway.Result{Kind: gateway.KindText, Text: inner})
			}
		}
	}

	options, err := decodeOptions(c.Options)
	if err != nil {
		return parsed{}, err
	}
	p := parsed{
		question:      strings.TrimSpace(c.Question),
		options:       options,
		correctAnswer: strings.TrimSpace(c.CorrectAnswer),
		explanation:   strings.TrimSpace(c.Explanation),
	}
	switch {
	case p.question == "":
		return parsed{}, fmt.Errorf("%w: missing question", errUnparseable)
	case len(p.options) == 0:
		return parsed{}, fmt.Errorf("%w: missing options", errUnparseable)
	case p.correctAnswer == "":
		return parsed{}, fmt.Errorf("%w: missing correctAnswer", errUnparseable)
	}
	p.correctAnswer = normalizeAnswer(p.correctAnswer, p.options)
	return p, nil
}

// decodeOptions accepts a list of strings or an object keyed by label.
func decodeOptions(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, opt := range list {
			out = append(out, strings.TrimSpace(opt))
		}
		return out, nil
	}
	var byLabel map[string]string
	if err := json.Unmarshal(raw, &byLabel); err != nil {
		return nil, fmt.Errorf("%w: options must be a list", errUnparseable)
	}
	out := make([]string, 0, len(byLabel))
	for _, letter := range []string{"A", "B", "C", "D"} {
		v, ok := byLabel[letter]
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if !strings.HasPrefix(v, letter+")") {
			v = letter + ") " + v
		}
		out = append(out, v)
	}
	return out, nil
}

var bareLetter = regexp.MustCompile(`^([A-Da-d])\)?\.?$`)

// normalizeAnswer maps a bare letter ("B", "B)") or an unlabelled option text
// to the matching option. Anything else is returned unchanged.
func normalizeAnswer(answer string, options []string) string {
	for _, opt := range options {
		if opt == answer {
			return answer
		}
	}
	if m := bareLetter.FindStringSubmatch(answer); m != nil {
		label := strings.ToUpper(m[1]) + ")"
		for _, opt := range options {
			if strings.HasPrefix(opt, label) {
				return opt
			}
		}
	}
	for _, opt := range options {
		if _, text, ok := strings.Cut(opt, ")"); ok && strings.TrimSpace(text) == answer {
			return opt
		}
	}
	return answer
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
