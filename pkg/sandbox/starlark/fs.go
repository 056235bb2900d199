package starlark

import (
	"errors"

	"github.com/nstogner/evo/pkg/workspace"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var errNoWorkspace = errors.New("no workspace attached")

func fsModule(ws workspace.Workspace) *starlarkstruct.Module {
	fn := func(name string, impl func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin("fs."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if ws == nil {
				return nil, errNoWorkspace
			}
			return impl(args, kwargs)
		})
	}

	return &starlarkstruct.Module{
		Name: "fs",
		Members: starlark.StringDict{
			"read": fn("read", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var path string
				if err := starlark.UnpackArgs("fs.read", args, kwargs, "path", &path); err != nil {
					return nil, err
				}
				b, err := ws.ReadFile(path)
				if err != nil {
					return nil, err
				}
				return starlark.String(b), nil
			}),
			"write": fn("write", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var path, content string
				if err := starlark.UnpackArgs("fs.write", args, kwargs, "path", &path, "content", &content); err != nil {
					return nil, err
				}
				return starlark.None, ws.WriteFile(path, []byte(content))
			}),
			"append": fn("append", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var path, content string
				if err := starlark.UnpackArgs("fs.append", args, kwargs, "path", &path, "content", &content); err != nil {
					return nil, err
				}
				return starlark.None, ws.AppendFile(path, []byte(content))
			}),
			"exists": fn("exists", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var path string
				if err := starlark.UnpackArgs("fs.exists", args, kwargs, "path", &path); err != nil {
					return nil, err
				}
				ok, err := ws.Exists(path)
				return starlark.Bool(ok), err
			}),
			"list": fn("list", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				prefix := ""
				if err := starlark.UnpackArgs("fs.list", args, kwargs, "prefix?", &prefix); err != nil {
					return nil, err
				}
				files, err := ws.List(prefix)
				if err != nil {
					return nil, err
				}
				out := make([]starlark.Value, len(files))
				for i, f := range files {
					out[i] = starlark.String(f.Path)
				}
				return starlark.NewList(out), nil
			}),
			"remove": fn("remove", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var path string
				if err := starlark.UnpackArgs("fs.remove", args, kwargs, "path", &path); err != nil {
					return nil, err
				}
				return starlark.None, ws.Remove(path)
			}),
		},
	}
}
