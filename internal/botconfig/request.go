package botconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is a validated inbound session request. Probe requests carry no
// config and must not provision anything.
type Request struct {
	Probe  bool
	Config Config
}

// ParseRequest runs the validation gates in order: liveness probe marker,
// presence of the config field, then schema validation of its value.
func ParseRequest(body []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &fields); err != nil || fields == nil {
		return Request{}, fmt.Errorf("%w: request body is not a JSON object", ErrMissingConfig)
	}
	if _, ok := fields["test"]; ok {
		return Request{Probe: true}, nil
	}
	raw, ok := fields["config"]
	if !ok {
		return Request{}, fmt.Errorf("%w: request has no config field", ErrMissingConfig)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Request{}, err
	}
	return Request{Config: cfg}, nil
}
