package tagtransform

import (
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/wegman-software/osmhistory-go/internal/copyfmt"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// helpers are installed as osmhistory.<name>
var helpers = map[string]lua.LGFunction{
	"trim":           luaTrim,
	"lower":          luaLower,
	"clean_spaces":   luaCleanSpaces,
	"parse_int":      luaParseInt,
	"parse_bool":     luaParseBool,
	"get_name":       luaGetName,
	"keep_tags":      luaKeepTags,
	"tags_to_hstore": luaTagsToHstore,
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

// luaCleanSpaces collapses runs of whitespace and trims
func luaCleanSpaces(L *lua.LState) int {
	s := whitespaceRegex.ReplaceAllString(L.CheckString(1), " ")
	L.Push(lua.LString(strings.TrimSpace(s)))
	return 1
}

// luaParseInt parses an integer, falling back to the optional second
// argument (default 0)
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	def := L.OptInt64(2, 0)

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(v))
	} else if f, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(f)))
	} else {
		L.Push(lua.LNumber(def))
	}
	return 1
}

// luaParseBool accepts the usual OSM spellings of yes and no
func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "yes", "true", "1", "on":
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

// luaGetName returns name, int_name or name:en, whichever is set first
func luaGetName(L *lua.LState) int {
	tags := L.CheckTable(1)
	for _, key := range []string{"name", "int_name", "name:en"} {
		if s := lua.LVAsString(tags.RawGetString(key)); s != "" {
			L.Push(lua.LString(s))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaKeepTags returns a copy of a tag table restricted to the listed keys
func luaKeepTags(L *lua.LState) int {
	tags := L.CheckTable(1)
	keys := L.CheckTable(2)

	result := L.NewTable()
	keys.ForEach(func(_, k lua.LValue) {
		if v := tags.RawGet(k); v != lua.LNil {
			result.RawSet(k, v)
		}
	})
	L.Push(result)
	return 1
}

func luaTagsToHstore(L *lua.LState) int {
	L.Push(lua.LString(copyfmt.HStore(tableToTags(L.CheckTable(1)))))
	return 1
}
