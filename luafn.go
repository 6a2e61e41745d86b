package datapipe

import "github.com/homveloper/datapipe/internal/luafn"

// LuaMapFunc wraps a Lua script as a MapFunc over Map records: the
// record is bound to the Lua global "record", and the script's single
// return value (expected to be a table) becomes the transformed record.
func LuaMapFunc(source string) MapFunc[Map] {
	script := luafn.New(source)
	return func(v Map) (Map, error) {
		out, err := script.Eval(v)
		if err != nil {
			return nil, err
		}
		m, ok := out.(map[string]any)
		if !ok {
			return nil, &OperatorError{Op: "lua_map", Cause: ErrLuaScriptNotMapShaped}
		}
		return Map(m), nil
	}
}

// LuaPredicateFunc wraps a Lua script as a PredicateFunc over Map
// records, using Lua's own truthiness rule (anything but nil/false is
// true) to interpret the script's return value.
func LuaPredicateFunc(source string) PredicateFunc[Map] {
	script := luafn.New(source)
	return func(v Map) bool {
		ok, err := script.EvalPredicate(v)
		if err != nil {
			Logger.Printf("datapipe: lua_filter: script error, treating as false: %v", err)
			return false
		}
		return ok
	}
}
