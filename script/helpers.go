package script

import (
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/ohler55/ojg/oj"
)

// setupSandbox loads only safe libraries into a fresh state and strips
// the loaders that could reach the host.
func setupSandbox(l *lua.State) {
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Register("json_encode", jsonEncode)
	l.Register("json_decode", jsonDecode)
	l.Register("str_trim", strTrim)
	l.Register("str_split", strSplit)
}

// pushValue converts a Go value to its Lua representation.
func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case int:
		l.PushInteger(val)
	case int64:
		l.PushInteger(int(val))
	case float64:
		l.PushNumber(val)
	case string:
		l.PushString(val)
	case []any:
		l.NewTable()
		for i, item := range val {
			l.PushInteger(i + 1)
			pushValue(l, item)
			l.SetTable(-3)
		}
	case map[string]any:
		l.NewTable()
		for k, item := range val {
			l.PushString(k)
			pushValue(l, item)
			l.SetTable(-3)
		}
	default:
		// Unknown Go types cross as their JSON rendering.
		l.PushString(oj.JSON(val))
	}
}

// pullValue converts the Lua value at idx into a Go value. Tables with
// contiguous integer keys become slices, everything else a map.
func pullValue(l *lua.State, idx int) any {
	switch l.TypeOf(idx) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(idx)
	case lua.TypeNumber:
		n, _ := l.ToNumber(idx)
		return n
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s
	case lua.TypeTable:
		l.PushValue(idx)

		isArray := true
		maxIndex := 0
		l.PushNil()
		for l.Next(-2) {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
				l.Pop(2)
				break
			}
			n, _ := l.ToNumber(-2)
			if i := int(n); i > maxIndex {
				maxIndex = i
			}
			l.Pop(1)
		}

		if isArray && maxIndex > 0 {
			arr := make([]any, maxIndex)
			for i := 1; i <= maxIndex; i++ {
				l.PushInteger(i)
				l.Table(-2)
				arr[i-1] = pullValue(l, -1)
				l.Pop(1)
			}
			l.Pop(1)
			return arr
		}

		obj := make(map[string]any)
		l.PushNil()
		for l.Next(-2) {
			key, _ := l.ToString(-2)
			obj[key] = pullValue(l, -1)
			l.Pop(1)
		}
		l.Pop(1)
		return obj
	default:
		return nil
	}
}

func jsonEncode(l *lua.State) int {
	l.PushString(oj.JSON(pullValue(l, 1)))
	return 1
}

func jsonDecode(l *lua.State) int {
	str := lua.CheckString(l, 1)
	value, err := oj.ParseString(str)
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	pushValue(l, value)
	return 1
}

func strTrim(l *lua.State) int {
	l.PushString(strings.TrimSpace(lua.CheckString(l, 1)))
	return 1
}

func strSplit(l *lua.State) int {
	str := lua.CheckString(l, 1)
	sep := lua.CheckString(l, 2)

	l.NewTable()
	for i, part := range strings.Split(str, sep) {
		l.PushInteger(i + 1)
		l.PushString(part)
		l.SetTable(-3)
	}
	return 1
}
