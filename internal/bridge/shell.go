package bridge

import (
	"path/filepath"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/cola-io/codex-acp/pkg/codex"
)

// ClassifyCommand derives parsed commands for an exec event that arrived
// without them. A shell wrapper such as `bash -lc "..."` is parsed and each
// simple command joined by && or || is classified on its own. Anything more
// complex is a single unknown command.
func ClassifyCommand(command []string) []codex.ParsedCommand {
	if len(command) == 0 {
		return nil
	}
	script, wrapped := shellScript(command)
	if !wrapped {
		return []codex.ParsedCommand{classifyWords(command)}
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return []codex.ParsedCommand{unknownCommand(script)}
	}

	var calls [][]string
	if !collectCalls(file.Stmts, &calls) || len(calls) == 0 {
		return []codex.ParsedCommand{unknownCommand(script)}
	}
	parsed := make([]codex.ParsedCommand, 0, len(calls))
	for _, words := range calls {
		parsed = append(parsed, classifyWords(words))
	}
	return parsed
}

func shellScript(command []string) (string, bool) {
	if len(command) != 3 {
		return "", false
	}
	switch filepath.Base(command[0]) {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	if command[1] != "-c" && command[1] != "-lc" {
		return "", false
	}
	return command[2], true
}

// collectCalls flattens statements into argument lists. It reports false
// when any statement is not a plain command.
func collectCalls(stmts []*syntax.Stmt, calls *[][]string) bool {
	for _, stmt := range stmts {
		if !collectStmt(stmt, calls) {
			return false
		}
	}
	return true
}

func collectStmt(stmt *syntax.Stmt, calls *[][]string) bool {
	if stmt == nil || stmt.Negated || stmt.Background || len(stmt.Redirs) > 0 {
		return false
	}
	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(cmd.Assigns) > 0 || len(cmd.Args) == 0 {
			return false
		}
		words := make([]string, 0, len(cmd.Args))
		for _, w := range cmd.Args {
			lit, ok := literalWord(w)
			if !ok {
				return false
			}
			words = append(words, lit)
		}
		*calls = append(*calls, words)
		return true
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.AndStmt && cmd.Op != syntax.OrStmt {
			return false
		}
		return collectStmt(cmd.X, calls) && collectStmt(cmd.Y, calls)
	default:
		return false
	}
}

// literalWord returns the value of a word made only of literal and quoted
// parts.
func literalWord(word *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				lit, ok := qp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

func classifyWords(words []string) codex.ParsedCommand {
	cmdText := strings.Join(words, " ")
	name := filepath.Base(words[0])
	args := words[1:]

	switch name {
	case "cat", "head", "tail", "less", "more", "bat", "nl":
		ops := operands(args, true)
		if len(ops) == 1 {
			return readCommand(cmdText, ops[0])
		}
	case "sed":
		ops := operands(args, false)
		if hasFlag(args, "-n") && len(ops) == 2 {
			return readCommand(cmdText, ops[1])
		}
	case "ls", "tree", "eza", "exa":
		ops := operands(args, false)
		if len(ops) <= 1 {
			return listCommand(cmdText, ops)
		}
	case "find":
		if len(args) == 0 || !strings.HasPrefix(args[0], "-") {
			return listCommand(cmdText, args[:min(1, len(args))])
		}
	case "rg", "grep", "ag", "ack":
		ops := operands(args, false)
		if name == "rg" && hasFlag(args, "--files") {
			if len(ops) <= 1 {
				return listCommand(cmdText, ops)
			}
			break
		}
		if len(ops) == 0 || len(ops) > 2 {
			break
		}
		pc := codex.ParsedCommand{Type: codex.ParsedSearch, Cmd: cmdText, Query: &ops[0]}
		if len(ops) == 2 {
			pc.Path = &ops[1]
		}
		return pc
	}
	return unknownCommand(cmdText)
}

func readCommand(cmdText, path string) codex.ParsedCommand {
	return codex.ParsedCommand{
		Type: codex.ParsedRead,
		Cmd:  cmdText,
		Name: filepath.Base(path),
		Path: &path,
	}
}

func listCommand(cmdText string, ops []string) codex.ParsedCommand {
	pc := codex.ParsedCommand{Type: codex.ParsedListFiles, Cmd: cmdText}
	if len(ops) == 1 {
		path := ops[0]
		pc.Path = &path
	}
	return pc
}

func unknownCommand(cmdText string) codex.ParsedCommand {
	return codex.ParsedCommand{Type: codex.ParsedUnknown, Cmd: cmdText}
}

// operands drops flags. skipNumbers also drops numeric values such as the
// count in `head -n 20 file`.
func operands(args []string, skipNumbers bool) []string {
	var out []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if skipNumbers {
			if _, err := strconv.Atoi(arg); err == nil {
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}
