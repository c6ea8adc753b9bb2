package eval

import (
	"math"
	"strings"
	"time"
)

func defaultNowMillis() float64 {
	return float64(time.Now().UnixMilli())
}

// callBuiltin dispatches the fixed set of built-in functions the
// expression language exposes (§4.10). Every builtin is pure and total:
// wrong arity or the wrong argument shape degrades to a zero value rather
// than panicking, matching the evaluator's "never throw on runtime
// surprises" contract (§8 property 9).
func callBuiltin(name string, args []interface{}) interface{} {
	switch name {
	case "len":
		return float64(length(arg(args, 0)))
	case "has":
		return arg(args, 0) != nil
	case "get":
		if v := arg(args, 0); v != nil {
			return v
		}
		return arg(args, 1)
	case "str":
		return toString(arg(args, 0))
	case "num":
		return toNumber(arg(args, 0))
	case "bool":
		return truthy(arg(args, 0))
	case "now":
		return nowMillis()
	case "floor":
		return math.Floor(toNumber(arg(args, 0)))
	case "ceil":
		return math.Ceil(toNumber(arg(args, 0)))
	case "round":
		return math.Round(toNumber(arg(args, 0)))
	case "min":
		return math.Min(toNumber(arg(args, 0)), toNumber(arg(args, 1)))
	case "max":
		return math.Max(toNumber(arg(args, 0)), toNumber(arg(args, 1)))
	case "abs":
		return math.Abs(toNumber(arg(args, 0)))
	case "includes":
		return strings.Contains(toString(arg(args, 0)), toString(arg(args, 1)))
	case "startsWith":
		return strings.HasPrefix(toString(arg(args, 0)), toString(arg(args, 1)))
	case "lower":
		return strings.ToLower(toString(arg(args, 0)))
	case "upper":
		return strings.ToUpper(toString(arg(args, 0)))
	}
	return nil
}

func arg(args []interface{}, i int) interface{} {
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

func length(v interface{}) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return len(x)
	case []interface{}:
		return len(x)
	case map[string]interface{}:
		return len(x)
	default:
		return 0
	}
}

// nowMillisFunc is overridable by tests; production callers never need a
// deterministic clock inside the evaluator.
var nowMillisFunc = defaultNowMillis

func nowMillis() float64 {
	return nowMillisFunc()
}
