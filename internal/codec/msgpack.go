package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"cmdsched/internal/domain"
)

// Commands only carry json tags; the msgpack codec reuses them.
const structTag = "json"

type msgpackEnvelope struct {
	Type  string             `msgpack:"type"`
	Value msgpack.RawMessage `msgpack:"value"`
}

// MsgpackCodec encodes commands as a MessagePack envelope.
type MsgpackCodec struct {
	reg *Registry
}

func NewMsgpack(reg *Registry) *MsgpackCodec { return &MsgpackCodec{reg: reg} }

func (c *MsgpackCodec) Name() string { return NameMsgpack }

func (c *MsgpackCodec) Encode(cmd domain.Command) ([]byte, error) {
	var value bytes.Buffer
	enc := msgpack.NewEncoder(&value)
	enc.SetCustomStructTag(structTag)
	if err := enc.Encode(cmd); err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", cmd.CommandName(), err)
	}
	return msgpack.Marshal(&msgpackEnvelope{Type: cmd.CommandName(), Value: value.Bytes()})
}

func (c *MsgpackCodec) Decode(data []byte) (domain.Command, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
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
		dec := msgpack.NewDecoder(bytes.NewReader(env.Value))
		dec.SetCustomStructTag(structTag)
		if err := dec.Decode(cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPayload, env.Type, err)
		}
	}
	return cmd, nil
}
