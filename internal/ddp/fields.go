package ddp

import (
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
)

// ejsonEncodeField encodes a single decoded document field value (as held
// in the mergebox) to its EJSON wire representation.
func ejsonEncodeField(v interface{}) (json.RawMessage, error) {
	b, err := ejson.Encode(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// DecodeFields decodes a `fields` payload (added/changed) into a map of
// native Go values, applying EJSON tagged-type decoding to each value.
func DecodeFields(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return nil, fmt.Errorf("ddp: decode fields: %w", err)
	}
	out := make(map[string]interface{}, len(rawMap))
	for k, v := range rawMap {
		dv, err := ejson.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("ddp: decode field %s: %w", k, err)
		}
		out[k] = dv
	}
	return out, nil
}

// DecodeDocument decodes a `params` or `result` payload holding a single
// EJSON value, such as the JSON-stringified cursor-description array
// returned by a __subscription__<name> call (which decodes to a string).
func DecodeDocument(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return ejson.Decode(raw)
}
