//go:build !no_automation

package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func withNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func newSystemState(t *testing.T) *lua.LState {
	t.Helper()
	e, _, _ := newTestEngine(t)
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, &scriptVM{}, e)
	return L
}

func TestSystemDatetime(t *testing.T) {
	withNow(t, time.Date(2026, time.March, 14, 21, 5, 9, 0, time.Local))
	L := newSystemState(t)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(5)},
		{"second", lua.LNumber(9)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"time_str", lua.LString("21:05:09")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			if err := L.DoString(`result = system.datetime("` + tt.component + `")`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result"); got != tt.want {
				t.Errorf("datetime(%s) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		expr string
		want bool
	}{
		{"inside hours", clock(10, 0), `system.time_between(8, 22)`, true},
		{"end is exclusive", clock(22, 0), `system.time_between(8, 22)`, false},
		{"before start", clock(7, 59), `system.time_between(8, 22)`, false},
		{"midnight wrap late", clock(23, 30), `system.time_between(22, 6)`, true},
		{"midnight wrap early", clock(5, 0), `system.time_between(22, 6)`, true},
		{"midnight wrap outside", clock(12, 0), `system.time_between(22, 6)`, false},
		{"minutes inside", clock(7, 45), `system.time_between("07:30", "08:15")`, true},
		{"minutes outside", clock(8, 15), `system.time_between("07:30", "08:15")`, false},
		{"mixed", clock(6, 30), `system.time_between("06:15", 7)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withNow(t, tt.at)
			L := newSystemState(t)
			if err := L.DoString("result = " + tt.expr); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result") == lua.LTrue; got != tt.want {
				t.Errorf("%s at %s = %v, want %v", tt.expr, tt.at.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestSystemTimeBetweenRejectsBadBounds(t *testing.T) {
	L := newSystemState(t)
	for _, expr := range []string{
		`system.time_between("7", 8)`,
		`system.time_between("25:00", 8)`,
		`system.time_between(8, 30)`,
		`system.time_between({}, 8)`,
	} {
		if err := L.DoString(expr); err == nil {
			t.Errorf("%s accepted", expr)
		}
	}
}

func clock(h, m int) time.Time {
	return time.Date(2026, time.January, 1, h, m, 0, 0, time.Local)
}
