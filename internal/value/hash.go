package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Hash returns a stable digest of resolved inputs. Top-level keys listed in
// ignore are excluded. Integers and floats of equal value hash identically,
// so inputs decoded from YAML, JSON or Pkl compare equal.
func Hash(resolved map[string]any, ignore ...string) (string, error) {
	filtered := make(map[string]any, len(resolved))
	for k, v := range resolved {
		filtered[k] = v
	}
	for _, k := range ignore {
		delete(filtered, k)
	}

	s, err := structpb.NewStruct(normalize(filtered).(map[string]any))
	if err != nil {
		return "", fmt.Errorf("failed to encode inputs: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inputs: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalize converts the typed containers that decoders produce into the
// shapes structpb accepts.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return val
	default:
		return fmt.Sprint(val)
	}
}
