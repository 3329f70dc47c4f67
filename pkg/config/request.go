package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/kubernetes"
)

// StarlarkTimeout bounds the evaluation of a request script.
const StarlarkTimeout = 10 * time.Second

// LoadClusterRequest reads a cluster creation request from a YAML file or a
// Starlark script. A script sees vars as the predeclared dict `vars` and
// must define a global `cluster` dict or struct with the request fields.
func LoadClusterRequest(ctx context.Context, path string, vars map[string]string) (*kubernetes.ClusterRequest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = content
	case ".star":
		out, err := evalStarlark(ctx, path, content, vars)
		if err != nil {
			return nil, err
		}
		if data, err = yaml.Marshal(out); err != nil {
			return nil, fmt.Errorf("failed to encode cluster from %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported request format %q", filepath.Ext(path))
	}

	var req kubernetes.ClusterRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid cluster request in %s", path), err)
	}
	return &req, nil
}

func evalStarlark(ctx context.Context, path string, src []byte, vars map[string]string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, StarlarkTimeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "cluster-request",
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	dict := starlark.NewDict(len(vars))
	for k, v := range vars {
		if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"vars":   dict,
	}

	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("failed to evaluate %s", path), err)
	}

	val, ok := globals["cluster"]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("%s does not define cluster", path), nil)
	}
	out, err := fromStarlark(val)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid cluster in %s", path), err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("cluster in %s is a %s, not a dict", path, val.Type()), nil)
	}
	return m, nil
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
