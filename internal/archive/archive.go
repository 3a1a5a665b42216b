// Package archive moves finished execution plans out of the database.
//
// The Cleaner periodically picks stopped plans older than a maximum age,
// writes each one with its action payloads to an Archiver and deletes it
// from the store once the archive write succeeded.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// DocumentVersion is the format version of archived plans.
const DocumentVersion = 1

// Archiver stores one archived plan document under key.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// Document is the archived form of one plan.
type Document struct {
	Version int             `json:"version"`
	Plan    json.RawMessage `json:"plan"`
	Actions []Payload       `json:"actions"`
}

// Payload holds the input and output of one action.
type Payload struct {
	ActionID int             `json:"action_id"`
	Input    json.RawMessage `json:"input"`
	Output   json.RawMessage `json:"output"`
}

// Payloads loads action payloads of a plan.
type Payloads interface {
	LoadActionInput(ctx context.Context, planID string, actionID int) (value.Value, error)
	LoadActionOutput(ctx context.Context, planID string, actionID int) (value.Object, error)
}

// Key returns the object key of a plan under prefix.
func Key(prefix, planID string) string {
	return prefix + planID + ".json"
}

// NewDocument collects ep and its payloads into an archive document.
func NewDocument(ctx context.Context, ep *plan.ExecutionPlan, payloads Payloads) (Document, error) {
	data, err := plan.Encode(ep)
	if err != nil {
		return Document{}, fmt.Errorf("encode plan %s: %w", ep.ID, err)
	}
	doc := Document{Version: DocumentVersion, Plan: data, Actions: []Payload{}}
	for _, id := range slices.Sorted(maps.Keys(ep.Actions)) {
		in, err := payloads.LoadActionInput(ctx, ep.ID, id)
		if err != nil {
			return Document{}, err
		}
		out, err := payloads.LoadActionOutput(ctx, ep.ID, id)
		if err != nil {
			return Document{}, err
		}
		inData, err := value.MarshalCanonical(in)
		if err != nil {
			return Document{}, fmt.Errorf("encode input of action %d: %w", id, err)
		}
		outData, err := value.MarshalCanonical(out)
		if err != nil {
			return Document{}, fmt.Errorf("encode output of action %d: %w", id, err)
		}
		doc.Actions = append(doc.Actions, Payload{ActionID: id, Input: inData, Output: outData})
	}
	return doc, nil
}

// DecodePlan returns the plan held by an archive document.
func (d Document) DecodePlan() (*plan.ExecutionPlan, error) {
	if d.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported archive version %d", d.Version)
	}
	return plan.Decode(d.Plan)
}
