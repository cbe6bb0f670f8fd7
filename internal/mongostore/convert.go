// Package mongostore wraps go.mongodb.org/mongo-driver with the
// conversions needed to move documents between their BSON wire
// representation and the EJSON-decoded representation the rest of the
// router (internal/query, internal/mergebox, internal/ddp) operates on.
package mongostore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
)

// ToBSON converts an EJSON-decoded value (as produced by ejson.Decode, or
// built directly from Go literals by callers such as the query package)
// into a value the driver can marshal as a filter or projection document.
func ToBSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return x, nil
	case map[string]interface{}:
		out := bson.M{}
		for k, e := range x {
			bv, err := ToBSON(e)
			if err != nil {
				return nil, err
			}
			out[k] = bv
		}
		return out, nil
	case []interface{}:
		out := bson.A{}
		for _, e := range x {
			bv, err := ToBSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, bv)
		}
		return out, nil
	case ejson.ObjectID:
		oid, err := primitive.ObjectIDFromHex(string(x))
		if err != nil {
			return nil, fmt.Errorf("mongostore: invalid object id %q: %w", x, err)
		}
		return oid, nil
	case ejson.Binary:
		return primitive.Binary{Data: []byte(x)}, nil
	case ejson.Regex:
		return primitive.Regex{Pattern: x.Pattern, Options: x.Options}, nil
	default:
		return nil, fmt.Errorf("mongostore: cannot convert %T to bson", v)
	}
}

// FromBSON converts a value decoded by the driver (bson.M/bson.D,
// bson.A, primitive.ObjectID, primitive.Binary, primitive.DateTime, plain
// scalars) into the EJSON-decoded representation used everywhere else in
// the router.
func FromBSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x, nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case bson.M:
		return fromBSONMap(x)
	case bson.D:
		m := x.Map()
		return fromBSONMap(m)
	case bson.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			ev, err := FromBSON(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case primitive.ObjectID:
		return ejson.ObjectID(x.Hex()), nil
	case primitive.Binary:
		return ejson.Binary(append([]byte(nil), x.Data...)), nil
	case primitive.Regex:
		return ejson.Regex{Pattern: x.Pattern, Options: x.Options}, nil
	case primitive.DateTime:
		return x.Time().UTC(), nil
	default:
		return nil, fmt.Errorf("mongostore: cannot convert %T from bson", v)
	}
}

func fromBSONMap(m map[string]interface{}) (interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, e := range m {
		ev, err := FromBSON(e)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

// DocumentID extracts and stringifies a decoded document's "_id" field,
// the form every source and the mergebox key documents by.
func DocumentID(doc map[string]interface{}) (string, error) {
	id, ok := doc["_id"]
	if !ok {
		return "", fmt.Errorf("mongostore: document missing _id")
	}
	switch v := id.(type) {
	case string:
		return v, nil
	case ejson.ObjectID:
		return string(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
