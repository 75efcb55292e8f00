// Package workerproto parses the stdout line protocol spoken by analytics
// workers.
//
// Recognised lines:
//
//	PROGRESS 42          progress percentage (also "PROGRESS: 42%")
//	EVENT {"direction":"IN",...}
//	{"type":"progress","progress":42}
//	{"type":"event","direction":"OUT",...}
//	{...}                result candidate; the trailing object is the result
//
// Any other line is free-form log text. The terminal result is the final
// non-empty stdout line when it is a JSON object, or the trailing multi-line
// JSON object that ends the output. Lines inside an unclosed object belong to
// it, so nested pretty-printed objects stay in one result. Malformed protocol lines are recorded as
// violations and fail the result.
package workerproto

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"vigil/internal/livecount"
	"vigil/internal/services"
)

// Kind classifies one stdout line.
type Kind int

const (
	KindLog Kind = iota
	KindProgress
	KindEvent
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindEvent:
		return "event"
	case KindResult:
		return "result"
	default:
		return "log"
	}
}

// Line is the classification of one stdout line.
type Line struct {
	Kind     Kind
	Progress int
	Event    livecount.DetectionEvent
	Text     string
}

const (
	maxBlobLines = 256
	maxBlobBytes = 1 << 20
)

var (
	progressPattern = regexp.MustCompile(`^PROGRESS(?:[:=]\s*|\s+)(\S+?)%?$`)
	eventPattern    = regexp.MustCompile(`^EVENT(?:[:=]\s*|\s+)(.+)$`)
)

// Parser consumes stdout lines in order. It is not safe for concurrent use.
type Parser struct {
	blob       []string
	blobBytes  int
	violations []string

	// JSON nesting of the open blob, tracked outside string literals.
	depth    int
	inString bool
	escaped  bool
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed classifies one line and updates the trailing-result state.
func (p *Parser) Feed(raw string) Line {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Line{Kind: KindLog}
	}
	if len(p.blob) > 0 && p.depth > 0 {
		p.appendBlob(text)
		return Line{Kind: KindLog, Text: text}
	}

	if m := progressPattern.FindStringSubmatch(text); m != nil {
		p.resetBlob()
		value, err := strconv.Atoi(m[1])
		if err != nil {
			p.violate("malformed progress line %q", text)
			return Line{Kind: KindLog, Text: text}
		}
		return Line{Kind: KindProgress, Progress: value, Text: text}
	}
	if m := eventPattern.FindStringSubmatch(text); m != nil {
		p.resetBlob()
		event, err := decodeEvent([]byte(m[1]))
		if err != nil {
			p.violate("malformed event line: %v", err)
			return Line{Kind: KindLog, Text: text}
		}
		return Line{Kind: KindEvent, Event: event, Text: text}
	}

	if strings.HasPrefix(text, "{") {
		if line, ok := p.typedJSON(text); ok {
			return line
		}
		p.resetBlob()
		p.appendBlob(text)
		return Line{Kind: KindResult, Text: text}
	}

	if len(p.blob) > 0 {
		p.appendBlob(text)
	}
	return Line{Kind: KindLog, Text: text}
}

// typedJSON handles single-line JSON progress and event records.
func (p *Parser) typedJSON(text string) (Line, bool) {
	var probe struct {
		Type     string `json:"type"`
		Progress *int   `json:"progress"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return Line{}, false
	}
	switch strings.ToLower(probe.Type) {
	case "progress":
		p.resetBlob()
		if probe.Progress == nil {
			p.violate("progress record without value: %q", text)
			return Line{Kind: KindLog, Text: text}, true
		}
		return Line{Kind: KindProgress, Progress: *probe.Progress, Text: text}, true
	case "event":
		p.resetBlob()
		event, err := decodeEvent([]byte(text))
		if err != nil {
			p.violate("malformed event record: %v", err)
			return Line{Kind: KindLog, Text: text}, true
		}
		return Line{Kind: KindEvent, Event: event, Text: text}, true
	}
	return Line{}, false
}

func decodeEvent(data []byte) (livecount.DetectionEvent, error) {
	var event livecount.DetectionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}

func (p *Parser) appendBlob(text string) {
	if len(p.blob) >= maxBlobLines || p.blobBytes+len(text) > maxBlobBytes {
		// Too large to be a result; a later object may still start a new one.
		p.resetBlob()
		return
	}
	p.blob = append(p.blob, text)
	p.blobBytes += len(text) + 1
	p.scan(text)
}

// scan updates the nesting depth with the brackets of one blob line.
func (p *Parser) scan(text string) {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
		}
	}
}

func (p *Parser) resetBlob() {
	p.blob = p.blob[:0]
	p.blobBytes = 0
	p.depth = 0
	p.inString = false
	p.escaped = false
}

func (p *Parser) violate(format string, args ...any) {
	if len(p.violations) < 16 {
		p.violations = append(p.violations, fmt.Sprintf(format, args...))
	}
}

// Violations returns protocol violations seen so far.
func (p *Parser) Violations() []string {
	return append([]string(nil), p.violations...)
}

// Result returns the terminal result. It fails with a services.ErrParse error
// when the output did not end in a JSON object or a violation was recorded.
func (p *Parser) Result() (*Result, error) {
	if len(p.violations) > 0 {
		return nil, services.Wrap(services.ErrParse, "workerproto", "result", "protocol violation", fmt.Errorf("%s", strings.Join(p.violations, "; ")))
	}
	if len(p.blob) == 0 {
		return nil, services.Wrap(services.ErrParse, "workerproto", "result", "worker output did not end with a JSON result", nil)
	}
	raw := []byte(strings.Join(p.blob, "\n"))
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, services.Wrap(services.ErrParse, "workerproto", "result", "unparseable JSON result", err)
	}
	if fields == nil {
		return nil, services.Wrap(services.ErrParse, "workerproto", "result", "result is not a JSON object", nil)
	}
	compact, err := json.Marshal(fields)
	if err != nil {
		return nil, services.Wrap(services.ErrParse, "workerproto", "result", "re-encode result", err)
	}
	return &Result{Raw: compact, Fields: fields}, nil
}
