package types

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload serialises a variant payload to the single JSON data
// column used by the storage layer.
func MarshalPayload(p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return string(b), nil
}

// UnmarshalPayload deserialises the JSON data column back into the typed
// variant for the given element type. This is the single decode path for
// every read in the store; a corrupt blob surfaces here.
func UnmarshalPayload(t ElementType, data string) (Payload, error) {
	var p Payload
	switch t {
	case TypeTask:
		p = &TaskData{}
	case TypePlan:
		p = &PlanData{}
	case TypeWorkflow:
		p = &WorkflowData{}
	case TypeChannel:
		p = &ChannelData{}
	case TypeMessage:
		p = &MessageData{}
	case TypeDocument:
		p = &DocumentData{}
	case TypeEntity:
		p = &EntityData{}
	case TypeTeam:
		p = &TeamData{}
	case TypeLibrary:
		p = &LibraryData{}
	default:
		return nil, fmt.Errorf("unknown element type: %s", t)
	}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return p, nil
}

// ClonePayload deep-copies a payload through its JSON form. Used to
// snapshot pre-images for events and document versions.
func ClonePayload(p Payload) (Payload, error) {
	data, err := MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	return UnmarshalPayload(p.Kind(), data)
}
