package worker

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// CommandResolver turns a command template and resolved inputs into a
// runnable shell command line.
//
// The returned outPaths map names the output files the template allocated,
// keyed by output field name, so the caller can collect them after the
// command exits.
type CommandResolver interface {
	Resolve(template string, inputs map[string]any, outDir string) (cmdline string, outPaths map[string]string, err error)
}

// PathNamer is implemented by input values that stand for files on disk;
// templates substitute their path.
type PathNamer interface {
	FilePath() string
}

// DefaultResolver implements the standard template grammar:
//
//	{field}      substitutes the input field's value, shell-quoted
//	{out.field}  allocates an output file path under the work directory
//	{{ and }}    escape literal braces
//
// Example:
//
//	"gzip -c {src} > {out.archive}"
type DefaultResolver struct{}

// Resolve implements CommandResolver.
func (DefaultResolver) Resolve(template string, inputs map[string]any, outDir string) (string, map[string]string, error) {
	var sb strings.Builder
	outPaths := make(map[string]string)

	for i := 0; i < len(template); {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			sb.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			sb.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", nil, fmt.Errorf("worker: unterminated placeholder in template %q", template)
			}
			name := template[i+1 : i+end]
			if name == "" {
				return "", nil, fmt.Errorf("worker: empty placeholder in template %q", template)
			}
			if field, ok := strings.CutPrefix(name, "out."); ok {
				if field == "" {
					return "", nil, fmt.Errorf("worker: empty output placeholder in template %q", template)
				}
				path := filepath.Join(outDir, field)
				outPaths[field] = path
				sb.WriteString(shellQuote(path))
			} else {
				v, ok := inputs[name]
				if !ok {
					return "", nil, fmt.Errorf("worker: template references unbound input %q", name)
				}
				rendered, err := renderValue(v)
				if err != nil {
					return "", nil, err
				}
				sb.WriteString(shellQuote(rendered))
			}
			i += end + 1
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), outPaths, nil
}

func renderValue(v any) (string, error) {
	switch t := v.(type) {
	case PathNamer:
		return t.FilePath(), nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			p, err := renderValue(e)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return strings.Join(parts, " "), nil
	}
	return "", fmt.Errorf("worker: cannot render %T into a command line", v)
}

// shellQuote wraps a value in single quotes, escaping embedded quotes, so
// substituted inputs never split into extra shell words.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;()<>*?[]{}~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
