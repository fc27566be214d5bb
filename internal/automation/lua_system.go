//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
	}
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), fns))
}

// system.datetime(component) returns one component of the local time.
func systemDatetime(L *lua.LState) int {
	t := now()
	var v lua.LValue
	switch component := L.CheckString(1); component {
	case "hour":
		v = lua.LNumber(t.Hour())
	case "minute":
		v = lua.LNumber(t.Minute())
	case "second":
		v = lua.LNumber(t.Second())
	case "weekday":
		v = lua.LNumber(t.Weekday())
	case "day":
		v = lua.LNumber(t.Day())
	case "month":
		v = lua.LNumber(t.Month())
	case "year":
		v = lua.LNumber(t.Year())
	case "timestamp":
		v = lua.LNumber(t.Unix())
	case "time_str":
		v = lua.LString(t.Format("15:04:05"))
	case "date_str":
		v = lua.LString(t.Format("2006-01-02"))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(v)
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// is in [from, to). Ranges may wrap midnight (22, 6).
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if vm.logs != nil {
		vm.logs("[" + level + "] " + msg)
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
