// Package cli implements the CLI command pipeline of spec.md §4.5: a
// lexer/parser/compiler turning `;`-separated, `|`-chained textual
// pipelines into a streaming execution over bounded channels, following
// the task+channel re-expression of the original coroutine model
// prescribed by spec.md §9.
package cli

import (
	"strings"

	"github.com/cuemby/warden/pkg/corerr"
)

// lexWords splits s into shell-like words: double-quoted spans preserve
// internal spaces and are unescaped of `\"` and `\\`; everything else
// splits on whitespace.
func lexWords(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			inWord = true
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
					cur.WriteByte(s[i+1])
					i += 2
					continue
				}
				cur.WriteByte(s[i])
				i++
			}
			if i >= len(s) {
				return nil, corerr.New(corerr.KindParseError, "unterminated quoted string")
			}
			i++ // closing quote
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
			i++
		default:
			inWord = true
			cur.WriteByte(c)
			i++
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// splitTopLevel splits s on sep, ignoring occurrences inside double
// quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == sep && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// stageSpec is one parsed `|`-separated segment: a command name and its
// raw argument words.
type stageSpec struct {
	name string
	args []string
}

func parseStages(pipelineText string) ([]stageSpec, error) {
	segments := splitTopLevel(pipelineText, '|')
	specs := make([]stageSpec, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, corerr.New(corerr.KindParseError, "empty stage")
		}
		words, err := lexWords(seg)
		if err != nil {
			return nil, err
		}
		if len(words) == 0 {
			return nil, corerr.New(corerr.KindParseError, "empty stage")
		}
		specs = append(specs, stageSpec{name: words[0], args: words[1:]})
	}
	return specs, nil
}

// parseCommandLine splits a full command line into its `;`-separated
// pipelines, each further split into stage specs.
func parseCommandLine(line string) ([][]stageSpec, error) {
	pipelineTexts := splitTopLevel(line, ';')
	var pipelines [][]stageSpec
	for _, text := range pipelineTexts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		specs, err := parseStages(text)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, specs)
	}
	if len(pipelines) == 0 {
		return nil, corerr.New(corerr.KindParseError, "empty command line")
	}
	return pipelines, nil
}

func fmtArgs(args []string) string { return strings.Join(args, " ") }
