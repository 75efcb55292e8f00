package workerproto

import (
	"encoding/json"
	"math"
	"strings"
)

// Well-known result keys.
const (
	KeyTotalCounted = "total_counted"
	KeyOutputPath   = "output_path"
	KeyImagesDir    = "images_dir"
	KeyArtifactURL  = "artifact_url"
	KeySimulated    = "simulated"
)

// Result is a worker's terminal JSON object.
type Result struct {
	Raw    json.RawMessage
	Fields map[string]any
}

// ParseResult decodes a stored result. Empty input yields nil.
func ParseResult(raw []byte) (*Result, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return &Result{Raw: append(json.RawMessage(nil), raw...), Fields: fields}, nil
}

// TotalCounted returns the integer total_counted field.
func (r *Result) TotalCounted() (int, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Fields[KeyTotalCounted].(float64)
	if !ok || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

// OutputPath returns the output media path, if reported.
func (r *Result) OutputPath() string { return r.stringField(KeyOutputPath) }

// ImagesDir returns the captured-image directory, if reported.
func (r *Result) ImagesDir() string { return r.stringField(KeyImagesDir) }

func (r *Result) stringField(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Fields[key].(string)
	return strings.TrimSpace(s)
}

// With returns a copy of the result with key set to value.
func (r *Result) With(key string, value any) (*Result, error) {
	fields := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = v
	}
	fields[key] = value
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &Result{Raw: raw, Fields: fields}, nil
}
