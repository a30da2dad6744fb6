package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"aeternum/internal/config"
)

// ConfigOptions holds options for the config command.
type ConfigOptions struct {
	Path   string // config file; empty means config.DefaultPath
	Action string // "get", "set", or "unset"
	Key    string // dotted camelCase path, e.g. "backend.wsUrl"
	Value  string // for set
}

// RunConfig gets, sets or unsets one config key. Edits go through schema
// validation before the file is rewritten in its own format. Returns the
// exit code.
func RunConfig(opts ConfigOptions, stdout, stderr io.Writer) int {
	fail := func(err error) int {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stderr, "Run 'aeternum check --fix' first to create a config.")
		}
		return 1
	}
	if opts.Path == "" {
		opts.Path = config.DefaultPath
	}
	doc, err := effectiveDocument(opts.Path)
	if err != nil {
		return fail(err)
	}

	switch opts.Action {
	case "get":
		v, err := lookupKey(doc, opts.Key)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, formatValue(v))
		return 0
	case "set":
		err = assignFn(doc, opts.Key, parseValue(opts.Value))
	case "unset":
		err = removeKey(doc, opts.Key)
	default:
		return fail(fmt.Errorf("unknown action %q (use 'get', 'set', or 'unset')", opts.Action))
	}
	if err == nil {
		err = saveDocument(opts.Path, doc)
	}
	if err != nil {
		return fail(err)
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// effectiveDocument is the validated config, defaults filled in, as a
// generic JSON tree.
func effectiveDocument(path string) (map[string]any, error) {
	cfg, err := configLoad(path)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	return doc, json.Unmarshal(data, &doc)
}

// saveDocument re-parses doc as a config, so unset keys fall back to their
// defaults, and writes it.
func saveDocument(path string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	// JSON is valid YAML, so Parse accepts it for either extension.
	cfg, err := config.Parse(path, data)
	if err != nil {
		return err
	}
	if err := configSave(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// parseValue keeps numbers and booleans typed; JSON arrays and objects are
// accepted for list sections such as panels.
func parseValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if t := strings.TrimSpace(s); strings.HasPrefix(t, "[") || strings.HasPrefix(t, "{") {
		var v any
		if json.Unmarshal([]byte(t), &v) == nil {
			return v
		}
	}
	return s
}

func splitKey(key string) ([]string, error) {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid key %q", key)
		}
	}
	return parts, nil
}

// walk returns the object holding the last segment of key. With create,
// missing or scalar intermediate values are replaced by empty objects.
func walk(doc map[string]any, key string, create bool) (map[string]any, string, error) {
	parts, err := splitKey(key)
	if err != nil {
		return nil, "", err
	}
	node := doc
	for i, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			if !create {
				return nil, "", fmt.Errorf("key %q not found in config", strings.Join(parts[:i+2], "."))
			}
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	return node, parts[len(parts)-1], nil
}

func lookupKey(doc map[string]any, key string) (any, error) {
	node, leaf, err := walk(doc, key, false)
	if err != nil {
		return nil, err
	}
	v, ok := node[leaf]
	if !ok || v == nil {
		return nil, fmt.Errorf("key %q not found in config", key)
	}
	return v, nil
}

func assignKey(doc map[string]any, key string, value any) error {
	node, leaf, err := walk(doc, key, true)
	if err != nil {
		return err
	}
	node[leaf] = value
	return nil
}

func removeKey(doc map[string]any, key string) error {
	node, leaf, err := walk(doc, key, false)
	if err != nil {
		return err
	}
	if _, ok := node[leaf]; !ok {
		return fmt.Errorf("key %q not found in config", key)
	}
	delete(node, leaf)
	return nil
}
