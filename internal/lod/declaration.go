package lod

import (
	"errors"
	"fmt"
	"math"
)

// Name is the extension key assets use to declare alternates.
const Name = "MSFT_lod"

// Declaration lists an asset's alternates, from the next-best fidelity down
// to the lowest.
type Declaration struct {
	IDs []int `yaml:"ids" json:"ids"`
}

var errMalformed = errors.New("lod: malformed declaration")

// ParseDeclaration reads the raw extension metadata. It accepts a
// Declaration, a *Declaration, or the generic map produced by YAML and JSON
// decoders.
func ParseDeclaration(raw any) (Declaration, error) {
	switch v := raw.(type) {
	case Declaration:
		return v, v.validate()
	case *Declaration:
		if v == nil {
			return Declaration{}, fmt.Errorf("%w: nil", errMalformed)
		}
		return *v, v.validate()
	case map[string]any:
		ids, ok := v["ids"]
		if !ok {
			return Declaration{}, fmt.Errorf("%w: missing ids", errMalformed)
		}
		parsed, err := parseIDs(ids)
		if err != nil {
			return Declaration{}, err
		}
		decl := Declaration{IDs: parsed}
		return decl, decl.validate()
	default:
		return Declaration{}, fmt.Errorf("%w: unexpected %T", errMalformed, raw)
	}
}

func (d Declaration) validate() error {
	if len(d.IDs) == 0 {
		return fmt.Errorf("%w: ids is empty", errMalformed)
	}
	for i, id := range d.IDs {
		if id < 0 {
			return fmt.Errorf("%w: ids[%d] is negative", errMalformed, i)
		}
	}
	return nil
}

func parseIDs(raw any) ([]int, error) {
	switch v := raw.(type) {
	case []int:
		return append([]int(nil), v...), nil
	case []any:
		ids := make([]int, 0, len(v))
		for i, item := range v {
			id, ok := toInt(item)
			if !ok {
				return nil, fmt.Errorf("%w: ids[%d] is not an integer", errMalformed, i)
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: ids must be a list", errMalformed)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
