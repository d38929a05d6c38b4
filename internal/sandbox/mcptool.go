package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.starlark.net/starlark"
)

// callMCPTool builds the call_mcp_tool(name, params) builtin bound to
// one execution's proxy, ctx (already timeout-bound by Run), and the
// tool names this script was permitted to use.
func (r *Runner) callMCPTool(ctx context.Context, proxy ProxyInfo, allowedTools map[string]struct{}) func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var paramsVal starlark.Value = starlark.None
		if err := starlark.UnpackArgs("call_mcp_tool", args, kwargs, "name", &name, "params?", &paramsVal); err != nil {
			return nil, err
		}

		if _, ok := allowedTools[name]; !ok {
			return nil, fmt.Errorf("call_mcp_tool: %q is not permitted for this execution", name)
		}

		params, err := starlarkToGo(paramsVal)
		if err != nil {
			return nil, fmt.Errorf("call_mcp_tool: invalid params: %w", err)
		}

		body, err := json.Marshal(map[string]any{"toolName": name, "params": params})
		if err != nil {
			return nil, fmt.Errorf("call_mcp_tool: encode request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxy.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("call_mcp_tool: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+proxy.Token)

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call_mcp_tool: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("call_mcp_tool: read response: %w", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return nil, fmt.Errorf("call_mcp_tool: decode response: %w", err)
		}

		if resp.StatusCode >= 300 {
			if msg, ok := decoded["error"]; ok {
				return nil, fmt.Errorf("call_mcp_tool: %v", msg)
			}
			return nil, fmt.Errorf("call_mcp_tool: upstream returned status %d", resp.StatusCode)
		}

		return goToStarlark(decoded["result"])
	}
}

// starlarkToGo converts a Starlark value tree into plain Go values
// (map[string]any, []any, string, float64, bool, nil) suitable for
// json.Marshal.
func starlarkToGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", x.String())
		}
		return float64(i), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			elem, err := starlarkToGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, item := range x {
			elem, err := starlarkToGo(item)
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			val, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}

// goToStarlark converts a decoded JSON value (as produced by
// encoding/json into interface{}) into the equivalent Starlark value.
func goToStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, item := range x {
			sv, err := goToStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for k, val := range x {
			sv, err := goToStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value of type %T", v)
	}
}
