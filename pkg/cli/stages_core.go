package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/cuemby/warden/pkg/corerr"
)

func registerCoreStages(r *Registry) {
	r.register("echo", echoFactory)
	r.register("json", jsonFactory)
	r.register("head", headFactory(false))
	r.register("tail", headFactory(true))
	r.register("uniq", uniqFactory)
	r.register("sort", sortFactory)
	r.register("chunk", chunkFactory)
	r.register("flatten", flattenFactory)
	r.register("limit", limitFactory)
	r.register("count", countFactory)
	r.register("list", listFactory)
	r.register("format", formatFactory)
	r.register("set_desired", setSectionFactory("desired"))
	r.register("set_metadata", setSectionFactory("metadata"))
	r.register("clean", cleanOrProtectFactory("desired", "clean"))
	r.register("protect", cleanOrProtectFactory("metadata", "protected"))
	r.register("sleep", sleepFactory)
	r.register("aggregate_to_count", aggregateToCountFactory)
	r.register("jq", jqFactory)
}

// --- echo ---

func echoFactory(args []string) (compiledStage, error) {
	text := strings.Join(args, " ")
	return compiledStage{name: "echo", position: PositionSource, run: timedStage("echo", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		select {
		case out <- text:
		case <-ctx.Done():
		}
		return nil
	})}, nil
}

// --- json ---

func jsonFactory(args []string) (compiledStage, error) {
	literal := strings.Join(args, " ")
	var value any
	if strings.TrimSpace(literal) != "" {
		if err := json.Unmarshal([]byte(literal), &value); err != nil {
			return compiledStage{}, corerr.Wrap(corerr.KindParseError, "json: invalid literal", err)
		}
	}
	return compiledStage{name: "json", position: PositionSource, run: timedStage("json", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		emit := func(v any) bool {
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if arr, ok := value.([]any); ok {
			for _, v := range arr {
				if !emit(v) {
					return nil
				}
			}
			return nil
		}
		emit(value)
		return nil
	})}, nil
}

// --- head / tail ---

func headFactory(fromTail bool) factory {
	return func(args []string) (compiledStage, error) {
		n := 5
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return compiledStage{}, corerr.Wrap(corerr.KindParseError, "head/tail: n must be an integer", err)
			}
			n = v
		}
		name := "head"
		if fromTail {
			name = "tail"
		}
		return compiledStage{name: name, position: PositionFlow, run: timedStage(name, func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
			if n < 0 {
				n = -n
			}
			if !fromTail {
				count := 0
				for v := range in {
					if count < n {
						select {
						case out <- v:
						case <-ctx.Done():
							drain(in)
							return nil
						}
						count++
					}
				}
				return nil
			}

			var buf []any
			for v := range in {
				buf = append(buf, v)
				if len(buf) > n {
					buf = buf[1:]
				}
			}
			for _, v := range buf {
				select {
				case out <- v:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})}, nil
	}
}

// --- uniq ---

func uniqFactory(args []string) (compiledStage, error) {
	return compiledStage{name: "uniq", position: PositionFlow, run: timedStage("uniq", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		seen := make(map[string]bool)
		for v := range in {
			key := structuralKey(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			select {
			case out <- v:
			case <-ctx.Done():
				drain(in)
				return nil
			}
		}
		return nil
	})}, nil
}

func structuralKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// --- sort ---

func sortFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "sort: field is required")
	}
	field := args[0]
	desc := false
	if len(args) > 1 {
		switch args[1] {
		case "asc":
		case "desc":
			desc = true
		default:
			return compiledStage{}, corerr.New(corerr.KindParseError, "sort: direction must be asc or desc")
		}
	}
	return compiledStage{name: "sort", position: PositionFlow, run: timedStage("sort", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		var values []any
		for v := range in {
			values = append(values, v)
		}
		sort.SliceStable(values, func(i, j int) bool {
			a, _ := dotPath(values[i], field)
			b, _ := dotPath(values[j], field)
			less := fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
			if desc {
				return !less
			}
			return less
		})
		for _, v := range values {
			select {
			case out <- v:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})}, nil
}

// --- chunk / flatten ---

func chunkFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "chunk: size is required")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "chunk: size must be a positive integer")
	}
	return compiledStage{name: "chunk", position: PositionFlow, run: timedStage("chunk", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		var buf []any
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			select {
			case out <- append([]any(nil), buf...):
				buf = buf[:0]
				return true
			case <-ctx.Done():
				return false
			}
		}
		for v := range in {
			buf = append(buf, v)
			if len(buf) == n {
				if !flush() {
					drain(in)
					return nil
				}
			}
		}
		flush()
		return nil
	})}, nil
}

func flattenFactory(args []string) (compiledStage, error) {
	return compiledStage{name: "flatten", position: PositionFlow, run: timedStage("flatten", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		for v := range in {
			arr, ok := v.([]any)
			if !ok {
				select {
				case out <- v:
				case <-ctx.Done():
					drain(in)
					return nil
				}
				continue
			}
			for _, item := range arr {
				select {
				case out <- item:
				case <-ctx.Done():
					drain(in)
					return nil
				}
			}
		}
		return nil
	})}, nil
}

// --- limit ---

func limitFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "limit: count is required")
	}
	joined := strings.Join(args, " ")
	parts := strings.Split(joined, ",")
	var start, count int
	var err error
	if len(parts) == 2 {
		start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return compiledStage{}, corerr.Wrap(corerr.KindParseError, "limit: start must be an integer", err)
		}
		count, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	} else {
		count, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	}
	if err != nil {
		return compiledStage{}, corerr.Wrap(corerr.KindParseError, "limit: count must be an integer", err)
	}
	return compiledStage{name: "limit", position: PositionFlow, run: timedStage("limit", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		i := 0
		emitted := 0
		for v := range in {
			if i < start {
				i++
				continue
			}
			if emitted >= count {
				drain(in)
				return nil
			}
			select {
			case out <- v:
			case <-ctx.Done():
				drain(in)
				return nil
			}
			emitted++
			i++
		}
		return nil
	})}, nil
}

// --- count ---

func countFactory(args []string) (compiledStage, error) {
	var attr string
	if len(args) > 0 {
		attr = args[0]
	}
	return compiledStage{name: "count", position: PositionFlow, run: timedStage("count", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		counts := make(map[string]int)
		var order []string
		total, unmatched := 0, 0
		for v := range in {
			total++
			if attr == "" {
				counts["total"]++
				if !contains(order, "total") {
					order = append(order, "total")
				}
				continue
			}
			val, ok := dotPath(v, attr)
			if !ok {
				unmatched++
				continue
			}
			key := fmt.Sprintf("%v", val)
			if _, seen := counts[key]; !seen {
				order = append(order, key)
			}
			counts[key]++
		}
		for _, k := range order {
			line := fmt.Sprintf("%s: %d", k, counts[k])
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
		matched := total - unmatched
		select {
		case out <- fmt.Sprintf("total matched: %d", matched):
		case <-ctx.Done():
			return nil
		}
		select {
		case out <- fmt.Sprintf("total unmatched: %d", unmatched):
		case <-ctx.Done():
		}
		return nil
	})}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- list ---

func listFactory(args []string) (compiledStage, error) {
	csv := false
	markdown := false
	var fields []string
	for _, a := range args {
		switch a {
		case "--csv":
			csv = true
		case "--markdown":
			markdown = true
		default:
			fields = append(fields, a)
		}
	}
	if csv && markdown {
		return compiledStage{}, corerr.New(corerr.KindParseError, "list: --csv and --markdown are mutually exclusive")
	}
	return compiledStage{name: "list", position: PositionFlow, run: timedStage("list", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		for v := range in {
			line := renderListLine(v, fields, csv, markdown)
			select {
			case out <- line:
			case <-ctx.Done():
				drain(in)
				return nil
			}
		}
		return nil
	})}, nil
}

func renderListLine(v any, fields []string, csv, markdown bool) string {
	if len(fields) == 0 {
		return structuralKey(v)
	}
	var parts []string
	for _, f := range fields {
		name, path := f, f
		if idx := strings.Index(f, " as "); idx >= 0 {
			path = strings.TrimSpace(f[:idx])
			name = strings.TrimSpace(f[idx+4:])
		}
		val, _ := dotPath(v, path)
		switch {
		case csv:
			parts = append(parts, fmt.Sprintf("%v", val))
		case markdown:
			parts = append(parts, fmt.Sprintf("**%s**: %v", name, val))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", name, val))
		}
	}
	sep := ", "
	if csv {
		sep = ","
	}
	return strings.Join(parts, sep)
}

// --- format ---

func formatFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "format: template is required")
	}
	template := strings.Join(args, " ")
	return compiledStage{name: "format", position: PositionFlow, run: timedStage("format", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		for v := range in {
			rendered := renderTemplate(template, v)
			select {
			case out <- rendered:
			case <-ctx.Done():
				drain(in)
				return nil
			}
		}
		return nil
	})}, nil
}

func renderTemplate(template string, v any) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		switch {
		case strings.HasPrefix(template[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(template[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case template[i] == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteByte(template[i])
				i++
				continue
			}
			path := template[i+1 : i+end]
			val, ok := dotPath(v, path)
			if !ok || val == nil {
				b.WriteString("null")
			} else {
				b.WriteString(renderScalar(val))
			}
			i += end + 1
		default:
			b.WriteByte(template[i])
			i++
		}
	}
	return b.String()
}

func renderScalar(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func dotPath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// --- set_desired / set_metadata ---

func setSectionFactory(section string) factory {
	return func(args []string) (compiledStage, error) {
		kv := make(map[string]string)
		for _, a := range args {
			idx := strings.Index(a, "=")
			if idx < 0 {
				return compiledStage{}, corerr.New(corerr.KindParseError, "set_"+section+": expected key=value, got "+a)
			}
			kv[a[:idx]] = a[idx+1:]
		}
		return compiledStage{name: "set_" + section, position: PositionFlow, run: timedStage("set_"+section, func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
			for v := range in {
				merged := mergeSection(v, section, kv)
				select {
				case out <- merged:
				case <-ctx.Done():
					drain(in)
					return nil
				}
			}
			return nil
		})}, nil
	}
}

func mergeSection(v any, section string, kv map[string]string) any {
	m, ok := v.(map[string]any)
	if !ok {
		m = map[string]any{"reported": v}
	}
	target, ok := m[section].(map[string]any)
	if !ok {
		target = make(map[string]any)
	}
	for k, val := range kv {
		target[k] = val
	}
	m[section] = target
	return m
}

func cleanOrProtectFactory(section, key string) factory {
	return func(args []string) (compiledStage, error) {
		name := key
		return compiledStage{name: name, position: PositionFlow, run: timedStage(name, func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
			for v := range in {
				merged := mergeSection(v, section, map[string]string{})
				m := merged.(map[string]any)
				m[section].(map[string]any)[key] = true
				select {
				case out <- m:
				case <-ctx.Done():
					drain(in)
					return nil
				}
			}
			return nil
		})}, nil
	}
}

// --- sleep ---

func sleepFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "sleep: seconds is required")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return compiledStage{}, corerr.Wrap(corerr.KindParseError, "sleep: seconds must be numeric", err)
	}
	d := time.Duration(secs * float64(time.Second))
	return compiledStage{name: "sleep", position: PositionSource, run: timedStage("sleep", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}
		select {
		case out <- "":
		case <-ctx.Done():
		}
		return nil
	})}, nil
}

// --- aggregate_to_count ---

func aggregateToCountFactory(args []string) (compiledStage, error) {
	return compiledStage{name: "aggregate_to_count", position: PositionFlow, run: timedStage("aggregate_to_count", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		total := 0
		for v := range in {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			for k, val := range m {
				n, _ := toInt(val)
				total += n
				select {
				case out <- fmt.Sprintf("%s: %d", k, n):
				case <-ctx.Done():
					drain(in)
					return nil
				}
			}
		}
		select {
		case out <- fmt.Sprintf("total: %d", total):
		case <-ctx.Done():
		}
		return nil
	})}, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

// --- jq ---

// defaultJQSection is the section bare paths are rewritten against when a
// stage doesn't carry richer context than "this is a reported-properties
// pipeline", which covers every jq use named in the CLI grammar.
const defaultJQSection = "reported"

func jqFactory(args []string) (compiledStage, error) {
	if len(args) == 0 {
		return compiledStage{}, corerr.New(corerr.KindParseError, "jq: expression is required")
	}
	expr := rewriteJQBarePaths(strings.Join(args, " "), defaultJQSection)
	query, err := gojq.Parse(expr)
	if err != nil {
		return compiledStage{}, corerr.Wrap(corerr.KindParseError, "jq: invalid expression", err)
	}
	return compiledStage{name: "jq", position: PositionFlow, run: timedStage("jq", func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		for v := range in {
			iter := query.Run(v)
			for {
				res, ok := iter.Next()
				if !ok {
					break
				}
				if resErr, ok := res.(error); ok {
					drain(in)
					return corerr.Wrap(corerr.KindExternalFailure, "jq: evaluation", resErr)
				}
				select {
				case out <- res:
				case <-ctx.Done():
					drain(in)
					return nil
				}
			}
		}
		return nil
	})}, nil
}

// rewriteJQBarePaths rewrites bare `.x` into `.<section>.x` in the portion
// of expr before its first top-level `|`; `./`-prefixed paths and `..`
// recursive descent are left intact.
func rewriteJQBarePaths(expr, section string) string {
	head, tail, hasPipe := splitFirstTopLevelPipe(expr)
	head = rewriteBarePathSegment(head, section)
	if hasPipe {
		return head + "|" + tail
	}
	return head
}

func splitFirstTopLevelPipe(expr string) (head, tail string, hasPipe bool) {
	depth := 0
	inStr := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == '|' && depth == 0:
			return expr[:i], expr[i+1:], true
		}
	}
	return expr, "", false
}

func rewriteBarePathSegment(seg, section string) string {
	var b strings.Builder
	inStr := false
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c == '"' {
			inStr = !inStr
			b.WriteByte(c)
			continue
		}
		if !inStr && c == '.' {
			followedByDot := i+1 < len(seg) && seg[i+1] == '.'
			if followedByDot || (i+1 < len(seg) && seg[i+1] == '/') {
				b.WriteByte(c)
				continue
			}
			precededByDotOrIdent := i > 0 && (isIdentChar(seg[i-1]) || seg[i-1] == '.')
			if !precededByDotOrIdent {
				b.WriteString("." + section)
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
