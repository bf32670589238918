package jobs

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeBroadcastSend Type = "broadcast_send"
	TypeSequenceStep  Type = "sequence_step"
)

// Payload is the closed set of job bodies. Only types in this package
// implement it, so the worker's type switch covers every kind.
type Payload interface {
	JobType() Type
	sealed()
}

// BroadcastSend drives one broadcast until no target is pending.
type BroadcastSend struct {
	BroadcastID uint64 `json:"broadcast_id"`
}

func (BroadcastSend) JobType() Type { return TypeBroadcastSend }
func (BroadcastSend) sealed()       {}

// SequenceStep delivers a single scheduled step of a sequence run.
type SequenceStep struct {
	RunStepID uint64 `json:"run_step_id"`
}

func (SequenceStep) JobType() Type { return TypeSequenceStep }
func (SequenceStep) sealed()       {}

func decodePayload(t Type, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch t {
	case TypeBroadcastSend:
		var p BroadcastSend
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		if p.BroadcastID == 0 {
			return nil, fmt.Errorf("decode %s payload: missing broadcast_id", t)
		}
		return p, nil
	case TypeSequenceStep:
		var p SequenceStep
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		if p.RunStepID == 0 {
			return nil, fmt.Errorf("decode %s payload: missing run_step_id", t)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}

// mergePayload applies a shallow JSON patch on top of an object payload.
// A non-object payload is replaced by the patch.
func mergePayload(raw []byte, patch map[string]any) ([]byte, error) {
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil || data == nil {
			data = map[string]any{}
		}
	}
	for k, v := range patch {
		data[k] = v
	}
	return json.Marshal(data)
}
