package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nstogner/evo/pkg/domain"
)

const (
	// EntryPoint is the function every shim wraps the script body in.
	EntryPoint = "__script__"
	// FinishFunc receives the entry point's return value. A non-None value
	// resolves the script if it has not settled yet.
	FinishFunc = "__finish__"
)

// ErrReservedName is returned for a parameter that would shadow a name the
// shims or engines bind themselves.
var ErrReservedName = errors.New("parameter name is reserved")

// reserved names are bound by every engine: the settle functions and the
// Starlark modules. Names starting with "__" belong to the shims.
var reserved = map[string]bool{
	"resolve": true,
	"reject":  true,
	"json":    true,
	"math":    true,
	"time":    true,
	"fs":      true,
}

// CheckGlobals rejects globals whose names collide with engine bindings.
func CheckGlobals(globals []Global) error {
	for _, g := range globals {
		if reserved[g.Name] || strings.HasPrefix(g.Name, "__") {
			return fmt.Errorf("%w: %s", ErrReservedName, g.Name)
		}
	}
	return nil
}

// Shim wraps a script body so that each global is also bound as a local
// parameter and a trailing return value resolves the script. Globals that
// are not identifiers stay out of the parameter list.
func Shim(language, code string, globals []Global) (string, error) {
	if err := CheckGlobals(globals); err != nil {
		return "", err
	}
	var params []string
	for _, g := range globals {
		if IsIdentifier(g.Name) {
			params = append(params, g.Name)
		}
	}
	sort.Strings(params)

	switch language {
	case domain.LanguageStarlark, "":
		return wrap(code, params, " = ", ""), nil
	case domain.LanguagePython:
		return pythonPrelude + wrap(code, params, "=", "    ") + pythonEpilogue, nil
	default:
		return "", fmt.Errorf("no shim for language %q", language)
	}
}

// wrap defines the entry point around code at the given base indentation.
func wrap(code string, params []string, eq, base string) string {
	var b strings.Builder

	decl := make([]string, len(params))
	call := make([]string, len(params))
	for i, p := range params {
		decl[i] = p + eq + "None"
		call[i] = p + eq + p
	}

	fmt.Fprintf(&b, "%sdef %s(%s):\n", base, EntryPoint, strings.Join(decl, ", "))
	body := false
	var lx lexState
	for _, line := range strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			body = true
		}
		// Continuation lines of a triple-quoted string keep their text.
		if lx.quote == "" && line != "" {
			b.WriteString(base)
			b.WriteString("    ")
		}
		b.WriteString(line)
		b.WriteString("\n")
		lx.scan(line)
	}
	if !body {
		b.WriteString(base)
		b.WriteString("    pass\n")
	}
	fmt.Fprintf(&b, "\n%s%s(%s(%s))\n", base, FinishFunc, EntryPoint, strings.Join(call, ", "))
	return b.String()
}

// lexState tracks whether a line ends inside a triple-quoted string.
type lexState struct {
	quote string
}

func (l *lexState) scan(line string) {
	for i := 0; i < len(line); i++ {
		if l.quote != "" {
			switch {
			case line[i] == '\\':
				i++
			case strings.HasPrefix(line[i:], l.quote):
				i += len(l.quote) - 1
				l.quote = ""
			}
			continue
		}
		switch c := line[i]; c {
		case '#':
			return
		case '"', '\'':
			triple := strings.Repeat(string(c), 3)
			if strings.HasPrefix(line[i:], triple) {
				l.quote = triple
				i += 2
				continue
			}
			// Single-quoted strings end on the same line.
			for i++; i < len(line) && line[i] != c; i++ {
				if line[i] == '\\' {
					i++
				}
			}
		}
	}
}

// ResultTag prefixes the line a python program prints its settled state on.
const ResultTag = "__EVO_RESULT__ "

// GlobalsEnv carries the JSON-encoded globals into a python program.
const GlobalsEnv = "EVO_GLOBALS"

const pythonPrelude = `import json as __json, os as __os, sys as __sys, traceback as __traceback
__state = {"settled": False, "value": None, "error": None, "rejected": False}

def __encode(value):
    if isinstance(value, str):
        return value
    return __json.dumps(value)

def resolve(value=None):
    if not __state["settled"]:
        __state.update(settled=True, value="" if value is None else __encode(value))

def reject(error=None):
    if not __state["settled"]:
        __state.update(settled=True, rejected=True, error="" if error is None else __encode(error))

def __finish__(value):
    if value is not None:
        resolve(value)

globals().update(__json.loads(__os.environ.get("EVO_GLOBALS", "{}")))

try:
`

const pythonEpilogue = `except BaseException:
    print("__EVO_RESULT__ " + __json.dumps({"script_error": __traceback.format_exc()}))
    __sys.exit(0)
print("__EVO_RESULT__ " + __json.dumps({"value": __state["value"] or "", "error": __state["error"] or "", "rejected": __state["rejected"]}))
`
