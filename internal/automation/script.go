//go:build !no_automation

package automation

import "time"

// ScriptMeta holds user-editable metadata for a script. It is stored as a
// JSON comment on the first line of the script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // Lua source without the header
	Updated  time.Time  `json:"updated"`
	FilePath string     `json:"-"`
}
