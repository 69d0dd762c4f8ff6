package history

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/mitchellh/hashstructure/v2"
)

// scalar carries a leaf value together with its JSON kind, so 1, "1" and
// true never hash alike.
type scalar struct {
	Kind  string
	Value string
}

// object and array wrap containers so {} and [] hash apart.
type object struct {
	Fields map[string]any
}

type array struct {
	Items []any
}

// Hash returns the content digest used for the unchanged fast path. Map keys
// are hashed order-independently; slices keep their order.
func Hash(c archive.Content) (string, error) {
	h, err := hashstructure.Hash(tagged(map[string]any(c)), hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}

// tagged rewrites a decoded JSON tree into kind-tagged values.
func tagged(v any) any {
	switch x := v.(type) {
	case map[string]any:
		fields := make(map[string]any, len(x))
		for k, e := range x {
			fields[k] = tagged(e)
		}
		return object{Fields: fields}
	case archive.Content:
		return tagged(map[string]any(x))
	case []any:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = tagged(e)
		}
		return array{Items: items}
	case nil:
		return scalar{Kind: "null"}
	case json.Number:
		return scalar{Kind: "number", Value: x.String()}
	case string:
		return scalar{Kind: "string", Value: x}
	case bool:
		return scalar{Kind: "bool", Value: strconv.FormatBool(x)}
	case float64:
		return scalar{Kind: "number", Value: strconv.FormatFloat(x, 'g', -1, 64)}
	default:
		return scalar{Kind: fmt.Sprintf("%T", x), Value: fmt.Sprint(x)}
	}
}
