package events

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Per-kind payload schemas enforced at the publish boundary. The schemas pin
// down the wire contract so a payload drifting from its kind (or a caller
// publishing a hand-rolled map) is rejected before any fan-out.
var kindSchemas = map[Kind]string{
	KindSessionUpdate: `{
		"type": "object",
		"required": ["status", "mode", "switch_count"],
		"properties": {
			"status": {"enum": ["RINGING", "ACTIVE", "ON_HOLD", "ENDED"]},
			"mode": {"enum": ["AI_AGENT", "HUMAN_REP"]},
			"switch_count": {"type": "integer", "minimum": 0},
			"customer_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindTranscriptUpdate: `{
		"type": "object",
		"required": ["speaker", "text", "timestamp"],
		"properties": {
			"speaker": {"enum": ["AI", "HUMAN", "CUSTOMER"]},
			"text": {"type": "string"},
			"timestamp": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindSwitchNotification: `{
		"type": "object",
		"required": ["direction", "new_mode", "switch_count", "timestamp"],
		"properties": {
			"direction": {"enum": ["AI_TO_HUMAN", "HUMAN_TO_AI"]},
			"new_mode": {"enum": ["AI_AGENT", "HUMAN_REP"]},
			"switch_count": {"type": "integer", "minimum": 1},
			"reason": {"type": "string"},
			"timestamp": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindSuggestionNotification: `{
		"type": "object",
		"required": ["suggestion"],
		"properties": {
			"suggestion": {"type": "string", "minLength": 1},
			"source": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindCallEnded: `{
		"type": "object",
		"required": ["ended_at", "duration"],
		"properties": {
			"ended_at": {"type": "string"},
			"duration": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
}

// compileSchemas compiles the per-kind schemas once at bus construction.
func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	out := make(map[Kind]*jsonschema.Schema, len(kindSchemas))
	for kind, raw := range kindSchemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		name := string(kind) + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = schema
	}
	return out, nil
}

// validate checks the event payload against its kind's schema. The payload is
// round-tripped through JSON so validation sees exactly the wire shape.
func validate(schemas map[Kind]*jsonschema.Schema, e Event) error {
	schema, ok := schemas[e.Kind()]
	if !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind())
	}
	raw, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Kind(), err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Kind(), err)
	}
	return nil
}
