// Package luafn runs a small Lua script once per record, converting Go
// values across the Lua boundary by hand (gopher-lua has no built-in
// reflection-based marshaler). It backs the scripted map/predicate
// callbacks the root package exposes over its own Map/List record
// shapes, without requiring callers to write and compile Go closures for
// simple field transforms.
package luafn

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Script holds the source of a Lua chunk that a record is passed into as
// the global "record" and which is expected to return a single value.
type Script struct {
	source string
}

// New stores source without compiling it; every Eval parses and runs it
// in a fresh lua.LState, since gopher-lua's lua.LState is not safe for
// concurrent use and nothing compiled is shared across goroutines.
func New(source string) *Script {
	return &Script{source: source}
}

// Eval runs the script with record bound to the global "record" and
// returns the converted result of the script's single return value.
func (s *Script) Eval(record map[string]any) (any, error) {
	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("record", goToLua(L, record))

	if err := L.DoString(s.source); err != nil {
		return nil, fmt.Errorf("luafn: script error: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

// EvalPredicate runs Eval and coerces the result to a bool the way Lua
// itself does: everything but nil and false is truthy.
func (s *Script) EvalPredicate(record map[string]any) (bool, error) {
	v, err := s.Eval(record)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return true, nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, elem := range val {
			L.SetField(t, k, goToLua(L, elem))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, elem := range val {
			L.RawSetInt(t, i+1, goToLua(L, elem))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		return luaTableToGo(val)
	default:
		return nil
	}
}

// luaTableToGo converts a Lua table to a []any when it looks like a
// dense, 1-based integer-keyed array, or a map[string]any otherwise.
func luaTableToGo(t *lua.LTable) any {
	n := t.Len()
	isArray := n > 0
	if isArray {
		for i := 1; i <= n; i++ {
			if t.RawGetInt(i) == lua.LNil {
				isArray = false
				break
			}
		}
	}
	if isArray {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, luaToGo(t.RawGetInt(i)))
		}
		return out
	}

	out := map[string]any{}
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}
