package flow

import (
	"encoding/json"
	"fmt"
)

// Type tags used in encoded flows.
const (
	TagAtom        = "atom"
	TagSequence    = "sequence"
	TagConcurrence = "concurrence"
)

// Record is the serializable form of a Flow.
type Record struct {
	Type   string   `json:"type"`
	StepID int      `json:"step_id,omitempty"`
	Flows  []Record `json:"flows,omitempty"`
}

// ToRecord converts a Flow into its serializable form. A nil flow encodes
// as an empty sequence.
func ToRecord(f Flow) Record {
	switch val := f.(type) {
	case Atom:
		return Record{Type: TagAtom, StepID: val.StepID}
	case Sequence:
		return Record{Type: TagSequence, Flows: toRecords(val.Flows)}
	case Concurrence:
		return Record{Type: TagConcurrence, Flows: toRecords(val.Flows)}
	default:
		return Record{Type: TagSequence}
	}
}

func toRecords(flows []Flow) []Record {
	if len(flows) == 0 {
		return nil
	}
	out := make([]Record, len(flows))
	for i, f := range flows {
		out[i] = ToRecord(f)
	}
	return out
}

// FromRecord rebuilds a Flow. Unknown tags are rejected.
func FromRecord(r Record) (Flow, error) {
	switch r.Type {
	case TagAtom:
		if len(r.Flows) > 0 {
			return nil, fmt.Errorf("atom %d must not have sub-flows", r.StepID)
		}
		return Atom{StepID: r.StepID}, nil
	case TagSequence:
		flows, err := fromRecords(r.Flows)
		if err != nil {
			return nil, err
		}
		return Sequence{Flows: flows}, nil
	case TagConcurrence:
		flows, err := fromRecords(r.Flows)
		if err != nil {
			return nil, err
		}
		return Concurrence{Flows: flows}, nil
	default:
		return nil, fmt.Errorf("unknown flow type %q", r.Type)
	}
}

func fromRecords(records []Record) ([]Flow, error) {
	var flows []Flow
	for i, r := range records {
		f, err := FromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("flows[%d]: %w", i, err)
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// Encode serializes a Flow to JSON.
func Encode(f Flow) ([]byte, error) {
	return json.Marshal(ToRecord(f))
}

// Decode parses JSON produced by Encode.
func Decode(data []byte) (Flow, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	return FromRecord(r)
}
