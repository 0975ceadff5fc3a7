// Package sse implements a pass-through transform over a streamed
// Server-Sent-Events byte stream that incrementally scans data: frames for
// the first {model, usage} pair, without buffering the response body.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/aipipe/gateway/internal/pricing"
)

// Frame is the canonicalised shape a provider's parse step extracts from
// one data: frame or unary JSON body.
type Frame struct {
	Model    string
	Usage    pricing.Usage
	HasUsage bool
}

// ParseFunc extracts a Frame from one decoded JSON event. It returns
// ok=false when the event carries neither a model nor usage worth latching.
type ParseFunc func(event map[string]any) (Frame, bool)

// Splitter scans the chunks its caller forwards unmodified, latching the
// first non-empty model and the first present usage seen across data: frames.
// Once a field is latched it is never overwritten by a later frame.
type Splitter struct {
	pending []byte
	parse   ParseFunc

	model    string
	modelSet bool
	usage    pricing.Usage
	usageSet bool
}

// NewSplitter builds a Splitter that decodes each data: frame with parse.
func NewSplitter(parse ParseFunc) *Splitter {
	return &Splitter{pending: make([]byte, 0, 1024), parse: parse}
}

// Consume scans chunk for complete lines, latching the first model/usage
// seen. It does not mutate or return chunk; callers forward it unchanged.
func (s *Splitter) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.pending = append(s.pending, chunk...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(s.pending[:idx]))
		s.pending = s.pending[idx+1:]
		s.consumeLine(line)
	}
}

func (s *Splitter) consumeLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return
	}
	var event map[string]any
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	frame, ok := s.parse(event)
	if !ok {
		return
	}
	if !s.modelSet && frame.Model != "" {
		s.model = frame.Model
		s.modelSet = true
	}
	if !s.usageSet && frame.HasUsage {
		s.usage = frame.Usage
		s.usageSet = true
	}
}

// Model returns the first latched model id, if any was seen.
func (s *Splitter) Model() (string, bool) {
	return s.model, s.modelSet
}

// Usage returns the first latched usage counters, if any were seen.
func (s *Splitter) Usage() (pricing.Usage, bool) {
	return s.usage, s.usageSet
}
