package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// EnvLine is one KEY=VALUE assignment from a dotenv file.
type EnvLine struct {
	Key string
	Val string
}

// ParseEnvFile reads a dotenv file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", filename)
	}
	return ParseEnvBuffer(buf), nil
}

// ParseEnvBuffer parses dotenv content. Blank lines and # comments are
// skipped, an optional "export " prefix is accepted, matching outer quotes
// are stripped and ${VAR} or ${VAR:-default} references to earlier lines are
// expanded.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var lines []EnvLine
	seen := map[string]string{}
	for _, raw := range strings.Split(string(buf), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		el := processEnvLine(line)
		if el.Key == "" {
			continue
		}
		el.Val = expand(el.Val, seen)
		seen[el.Key] = el.Val
		lines = append(lines, el)
	}
	return lines
}

func processEnvLine(line string) EnvLine {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// expand replaces ${VAR} and ${VAR:-default}. Unknown references without a
// default are kept verbatim.
func expand(val string, vars map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(val, "${")
		if start < 0 {
			out.WriteString(val)
			return out.String()
		}
		end := strings.IndexByte(val[start:], '}')
		if end < 0 {
			out.WriteString(val)
			return out.String()
		}
		end += start
		out.WriteString(val[:start])
		ref := val[start : end+1]
		name, def, _ := strings.Cut(ref[2:len(ref)-1], ":-")
		switch v, ok := vars[name]; {
		case ok && v != "":
			out.WriteString(v)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		val = val[end+1:]
	}
}
