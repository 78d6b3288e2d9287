package codec

import (
	"encoding/json"
	"fmt"

	"cmdsched/internal/domain"
)

type jsonEnvelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// JSONCodec encodes commands as {"type": name, "value": {...}}.
type JSONCodec struct {
	reg *Registry
}

func NewJSON(reg *Registry) *JSONCodec { return &JSONCodec{reg: reg} }

func (c *JSONCodec) Name() string { return NameJSON }

func (c *JSONCodec) Encode(cmd domain.Command) ([]byte, error) {
	v, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", cmd.CommandName(), err)
	}
	return json.Marshal(jsonEnvelope{Type: cmd.CommandName(), Value: v})
}

func (c *JSONCodec) Decode(data []byte) (domain.Command, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrCorruptPayload)
	}
	cmd, err := c.reg.New(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPayload, env.Type, err)
		}
	}
	return cmd, nil
}
