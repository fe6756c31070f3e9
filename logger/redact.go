package logger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

const maxRedactDepth = 32

var (
	defaultSensitiveFragments = []string{"password", "passwd", "secret", "token", "credential", "authorization"}

	defaultAllowedKeys = []string{"idempotency_key", "lock_key", "sort_key"}

	// key=, key: and "key": prefixes inside free text; values are scanned by hand.
	inlineKeyPattern = regexp.MustCompile(`"?([A-Za-z0-9_.\-]+)"?\s*[:=]\s*`)

	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9\-._~+/]+=*`)
)

// Redactor masks denylisted keys and values in structured log payloads.
type Redactor struct {
	fragments []string
	allowed   map[string]struct{}
}

// NewRedactor returns a redactor for the default denylist. Extra fragments are
// matched as substrings of lower-cased keys.
func NewRedactor(extraFragments ...string) *Redactor {
	r := &Redactor{
		fragments: append([]string{}, defaultSensitiveFragments...),
		allowed:   make(map[string]struct{}, len(defaultAllowedKeys)),
	}
	for _, f := range extraFragments {
		r.fragments = append(r.fragments, strings.ToLower(f))
	}
	for _, k := range defaultAllowedKeys {
		r.allowed[k] = struct{}{}
	}
	return r
}

// SensitiveKey reports whether values stored under key must be masked.
func (r *Redactor) SensitiveKey(key string) bool {
	k := strings.ToLower(strings.Trim(key, `"' `))
	if k == "" {
		return false
	}
	if _, ok := r.allowed[k]; ok {
		return false
	}
	for _, f := range r.fragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return k == "key" || strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "-key") ||
		strings.HasSuffix(k, ".key") || strings.HasSuffix(k, "apikey")
}

// String scrubs sensitive key/value pairs and bearer credentials out of free text.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "$1 "+Marker)

	matches := inlineKeyPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m[0] < last {
			continue
		}
		if !r.SensitiveKey(s[m[2]:m[3]]) {
			continue
		}
		valueStart := m[1]
		valueEnd := inlineValueEnd(s, valueStart)
		if valueEnd == valueStart {
			continue
		}
		b.WriteString(s[last:valueStart])
		if s[valueStart] == '"' {
			b.WriteString(`"` + Marker + `"`)
		} else {
			b.WriteString(Marker)
		}
		last = valueEnd
	}
	b.WriteString(s[last:])
	return b.String()
}

// inlineValueEnd returns the end offset of the value starting at start: a
// quoted string, or a bare token ending at whitespace or a delimiter.
func inlineValueEnd(s string, start int) int {
	if start >= len(s) {
		return start
	}
	switch q := s[start]; q {
	case '"', '\'':
		for i := start + 1; i < len(s); i++ {
			if s[i] == '\\' {
				i++
				continue
			}
			if s[i] == q {
				return i + 1
			}
		}
		return len(s)
	}
	i := start
	for i < len(s) && !strings.ContainsRune(" \t\n\r,;&}]\"'", rune(s[i])) {
		i++
	}
	return i
}

// Value returns a redacted copy of v. Maps, slices and structs are walked
// recursively; structs are viewed through their JSON representation.
func (r *Redactor) Value(v interface{}) interface{} {
	return r.value(v, 0)
}

func (r *Redactor) value(v interface{}, depth int) interface{} {
	if v == nil {
		return nil
	}
	if depth > maxRedactDepth {
		return Marker
	}

	switch t := v.(type) {
	case string:
		return r.String(t)
	case []byte:
		return r.String(string(t))
	case error:
		return r.String(t.Error())
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return r.String(string(t))
		}
		return r.value(decoded, depth+1)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if r.SensitiveKey(k) {
				out[k] = Marker
				continue
			}
			out[k] = r.value(val, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if r.SensitiveKey(k) {
				out[k] = Marker
				continue
			}
			out[k] = r.String(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.value(val, depth+1)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = r.String(val)
		}
		return out
	case fmt.Stringer:
		return r.String(t.String())
	}

	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		raw, err := json.Marshal(v)
		if err != nil {
			return r.String(fmt.Sprintf("%+v", v))
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return r.String(string(raw))
		}
		return r.value(decoded, depth+1)
	default:
		return v
	}
}

// Field returns a redacted copy of f.
func (r *Redactor) Field(f zapcore.Field) zapcore.Field {
	if f.Type == zapcore.NamespaceType || f.Type == zapcore.SkipType {
		return f
	}
	if r.SensitiveKey(f.Key) {
		return zap.String(f.Key, Marker)
	}

	switch f.Type {
	case zapcore.StringType:
		f.String = r.String(f.String)
		return f
	case zapcore.ByteStringType, zapcore.BinaryType:
		if b, ok := f.Interface.([]byte); ok {
			return zap.String(f.Key, r.String(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, r.String(err.Error()))
		}
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
			return zap.String(f.Key, r.String(s.String()))
		}
	case zapcore.ReflectType:
		return zap.Any(f.Key, r.Value(f.Interface))
	case zapcore.ObjectMarshalerType, zapcore.InlineMarshalerType:
		if m, ok := f.Interface.(zapcore.ObjectMarshaler); ok {
			enc := zapcore.NewMapObjectEncoder()
			if err := m.MarshalLogObject(enc); err == nil {
				return zap.Any(f.Key, r.Value(enc.Fields))
			}
		}
	case zapcore.ArrayMarshalerType:
		if m, ok := f.Interface.(zapcore.ArrayMarshaler); ok {
			enc := zapcore.NewMapObjectEncoder()
			if err := enc.AddArray(f.Key, m); err == nil {
				return zap.Any(f.Key, r.Value(enc.Fields[f.Key]))
			}
		}
	}
	return f
}

// Fields redacts every field; the input slice is not modified.
func (r *Redactor) Fields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = r.Field(f)
	}
	return out
}

// redactingCore masks secrets at the sink: nothing reaches the wrapped core
// without passing through the redactor.
type redactingCore struct {
	zapcore.Core
	redactor *Redactor
}

// NewRedactingCore wraps core so every entry and context field is redacted.
func NewRedactingCore(core zapcore.Core, r *Redactor) zapcore.Core {
	return &redactingCore{Core: core, redactor: r}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactor.Fields(fields)), redactor: c.redactor}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.redactor.String(ent.Message)
	return c.Core.Write(ent, c.redactor.Fields(fields))
}
