package botconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrMissingConfig   = errors.New("missing configuration")
	ErrMalformedConfig = errors.New("malformed configuration")
)

// Config is the validated pipeline configuration: service selection, voice,
// model and interruption policy. Treat it as immutable once Parse returns it.
type Config struct {
	LLM                *LLMConfig `json:"llm,omitempty"`
	TTS                *TTSConfig `json:"tts,omitempty"`
	STT                *STTConfig `json:"stt,omitempty"`
	AllowInterruptions *bool      `json:"allow_interruptions,omitempty"`
}

type LLMConfig struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Message is one LLM context entry. Keys other than role and content (name,
// tool_call_id, ...) are kept verbatim in Extra.
type Message struct {
	Role    string
	Content string
	Extra   map[string]json.RawMessage
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("message must be an object")
	}
	var msg Message
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &msg.Role); err != nil {
			return fmt.Errorf("role: %w", err)
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if err := json.Unmarshal(raw, &msg.Content); err != nil {
			return fmt.Errorf("content: %w", err)
		}
		delete(fields, "content")
	}
	if len(fields) > 0 {
		msg.Extra = fields
	}
	*m = msg
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["role"] = m.Role
	out["content"] = m.Content
	return json.Marshal(out)
}

type TTSConfig struct {
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

type STTConfig struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// InterruptionsAllowed reports the interruption policy, defaulting to true.
func (c Config) InterruptionsAllowed() bool {
	if c.AllowInterruptions == nil {
		return true
	}
	return *c.AllowInterruptions
}

// Encode returns the canonical serialized form passed to workers and echoed
// back to callers.
func (c Config) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}

// Parse decodes raw against the known schema. Unknown top-level and service
// fields are ignored and dropped from the canonical form. A value that is not
// a JSON object, or a known field of the wrong type, fails with
// ErrMalformedConfig.
func Parse(raw []byte) (Config, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Config{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedConfig)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: trailing data after object", ErrMalformedConfig)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	cfg.normalize()
	return cfg, nil
}

// ParseString is Parse for the command line form used by workers.
func ParseString(raw string) (Config, error) {
	return Parse([]byte(raw))
}

func (c Config) validate() error {
	if c.LLM != nil {
		for i, m := range c.LLM.Messages {
			if strings.TrimSpace(m.Role) == "" {
				return fmt.Errorf("llm.messages[%d] has no role", i)
			}
		}
		if t := c.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
			return fmt.Errorf("llm.temperature %v out of range [0,2]", *t)
		}
	}
	if c.STT != nil && strings.ContainsAny(c.STT.Language, " \t\n") {
		return fmt.Errorf("stt.language %q contains whitespace", c.STT.Language)
	}
	return nil
}

// normalize drops empty collections so a config survives an encode/decode
// round trip unchanged.
func (c *Config) normalize() {
	if c.LLM != nil && len(c.LLM.Messages) == 0 {
		c.LLM.Messages = nil
	}
}
