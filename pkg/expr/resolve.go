package expr

import (
	"context"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/types"
)

// ResolveValue recursively resolves a raw decoded value (a string, bool,
// int, float64, nil, []interface{}, or map[string]interface{}, as
// produced by the YAML/JSON decoder) into a types.Value, substituting
// every embedded "${...}" reference along the way (spec §4.A). This is
// the function request.params and transform.input (declared Value|Expr
// in the data model) are resolved through.
func ResolveValue(ctx context.Context, raw interface{}, env Env) (types.Value, error) {
	switch v := raw.(type) {
	case nil:
		return types.Null, nil
	case bool:
		return types.NewBool(v), nil
	case int:
		return types.NewInt(int64(v)), nil
	case int64:
		return types.NewInt(v), nil
	case float64:
		return types.NewDouble(v), nil
	case string:
		tmpl, err := ParseStringTemplate(v)
		if err != nil {
			return types.Null, errs.Wrap(errs.KindPathSyntax, "invalid reference syntax", err)
		}
		return EvaluateTemplate(ctx, tmpl, env)
	case []interface{}:
		items := make([]types.Value, len(v))
		for i, item := range v {
			val, err := ResolveValue(ctx, item, env)
			if err != nil {
				return types.Null, err
			}
			items[i] = val
		}
		return types.NewList(items), nil
	case map[string]interface{}:
		om := types.NewOrderedMap()
		for _, k := range sortedMapKeys(v) {
			val, err := ResolveValue(ctx, v[k], env)
			if err != nil {
				return types.Null, err
			}
			om.Set(k, val)
		}
		return types.NewMap(om), nil
	case map[interface{}]interface{}:
		// yaml.v3 may decode untyped maps with interface{} keys.
		converted := make(map[string]interface{}, len(v))
		for k, val := range v {
			ks, ok := k.(string)
			if !ok {
				return types.Null, errs.Newf(errs.KindValidation, "map key %v is not a string", k)
			}
			converted[ks] = val
		}
		return ResolveValue(ctx, converted, env)
	default:
		return types.Null, errs.Newf(errs.KindValidation, "unsupported raw value type %T", raw)
	}
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
