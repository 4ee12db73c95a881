// Command sox is the Sox language driver: run source or cached
// bytecode, compile source to a cache file, disassemble a cache file,
// or drop into an interactive REPL. Subcommands are parsed with
// github.com/urfave/cli/v3, and the REPL uses
// github.com/chzyer/readline for line editing and history.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/kristofer/sox/pkg/cache"
	"github.com/kristofer/sox/pkg/compiler"
	"github.com/kristofer/sox/pkg/gc"
	"github.com/kristofer/sox/pkg/value"
	"github.com/kristofer/sox/pkg/vm"
)

const version = "0.1.0"

// Exit codes follow the embedding API's convention.
const (
	exitOK           = 0
	exitUsage        = 64
	exitCompileError = 65
	exitRuntimeError = 70
	exitIOError      = 74
)

var (
	errColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.FgHiBlack)
)

func main() {
	app := &cli.Command{
		Name:                  "sox",
		Usage:                 "a dynamically-typed scripting language",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			runCommand,
			replCommand,
			compileCommand,
			disassembleCommand,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return runREPL()
			}
			return runFile(cmd.Args().First())
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if code, ok := err.(exitCoder); ok {
			errColor.Fprintln(os.Stderr, code.Error())
			os.Exit(code.ExitCode())
		}
		errColor.Fprintln(os.Stderr, err.Error())
		os.Exit(exitUsage)
	}
}

// exitCoder lets a returned error carry one of this package's exit
// codes through cli's generic error path instead of every command
// calling os.Exit directly.
type exitCoder interface {
	error
	ExitCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) ExitCode() int { return e.code }

func fail(code int, format string, args ...interface{}) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a .sox source file or .soxc cache file",
	ArgsUsage: "<file>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() == 0 {
			return fail(exitUsage, "run: no file specified")
		}
		return runFile(cmd.Args().First())
	},
}

var replCommand = &cli.Command{
	Name:  "repl",
	Usage: "start an interactive read-eval-print loop",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return runREPL()
	},
}

var compileCommand = &cli.Command{
	Name:      "compile",
	Usage:     "compile a .sox source file to a .soxc bytecode cache file",
	ArgsUsage: "<input.sox> [output.soxc]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() == 0 {
			return fail(exitUsage, "compile: no file specified")
		}
		in := cmd.Args().First()
		out := cmd.Args().Get(1)
		if out == "" {
			out = cacheFileName(in)
		}
		return compileFile(in, out)
	},
}

var disassembleCommand = &cli.Command{
	Name:      "disassemble",
	Aliases:   []string{"disasm"},
	Usage:     "print a human-readable disassembly of a .soxc cache file",
	ArgsUsage: "<file.soxc>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() == 0 {
			return fail(exitUsage, "disassemble: no file specified")
		}
		return disassembleFile(cmd.Args().First())
	},
}

func cacheFileName(source string) string {
	ext := filepath.Ext(source)
	if ext == "" {
		return source + ".soxc"
	}
	return source[:len(source)-len(ext)] + ".soxc"
}

// runFile dispatches on extension: .soxc files load pre-compiled
// bytecode directly (the fast path), everything else is treated as
// Sox source and compiled first.
func runFile(filename string) error {
	if filepath.Ext(filename) == ".soxc" {
		return runCacheFile(filename)
	}
	return runSourceFile(filename)
}

func runSourceFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fail(exitIOError, "reading %s: %v", filename, err)
	}

	v := vm.New()
	result := v.Interpret(string(data))
	return resultToError(result, v)
}

func runCacheFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fail(exitIOError, "reading %s: %v", filename, err)
	}
	defer f.Close()

	v := vm.New()
	chunk, err := cache.Decode(f, v.Collector())
	if err != nil {
		return fail(exitCompileError, "loading cache: %v", err)
	}

	fn := entryFunction(chunk)
	closure := value.NewObjClosure(fn)
	v.Collector().Track(closure)
	v.SetEntryPoint(closure)
	return resultToError(v.Run(), v)
}

// entryFunction wraps a top-level chunk (as produced by Decode) back
// into the nameless, zero-arity ObjFunction the VM expects as a
// script's entry point, mirroring what compiler.Compile builds for
// the outermost scope.
func entryFunction(chunk *value.Chunk) *value.ObjFunction {
	fn := value.NewObjFunction()
	fn.Chunk = chunk
	return fn
}

func resultToError(result vm.InterpretResult, v *vm.VM) error {
	switch result {
	case vm.InterpretOK:
		return nil
	case vm.InterpretCompileError:
		return fail(exitCompileError, "compile error")
	case vm.InterpretRuntimeError:
		return fail(exitRuntimeError, "%s", v.LastError())
	default:
		return fail(exitUsage, "unknown interpret result")
	}
}

// compileFile compiles a .sox source file and writes the resulting
// chunk to a .soxc cache file: the compile -> serialise half of the
// round trip; `run` on the .soxc file deserialises and runs it.
func compileFile(input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fail(exitIOError, "reading %s: %v", input, err)
	}

	collector := gc.New()
	fn, err := compiler.Compile(string(data), collector, true)
	if err != nil {
		return fail(exitCompileError, "%v", err)
	}

	outFile, err := os.Create(output)
	if err != nil {
		return fail(exitIOError, "creating %s: %v", output, err)
	}
	defer outFile.Close()

	if err := cache.Encode(outFile, fn.Chunk); err != nil {
		return fail(exitIOError, "writing cache: %v", err)
	}

	fmt.Printf("compiled %s -> %s\n", input, output)
	return nil
}

func disassembleFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fail(exitIOError, "reading %s: %v", filename, err)
	}
	defer f.Close()

	collector := gc.New()
	chunk, err := cache.Decode(f, collector)
	if err != nil {
		return fail(exitCompileError, "loading cache: %v", err)
	}

	dimColor.Printf("=== %s ===\n", filename)
	value.Disassemble(os.Stdout, chunk, filepath.Base(filename))
	return nil
}

// runREPL starts an interactive session sharing one VM and one
// collector across inputs, so top-level variables persist across
// lines. Each line is compiled and run independently, so multi-line
// constructs must be entered on a single readline input.
func runREPL() error {
	fmt.Printf("sox %s\n", version)
	fmt.Println("Ctrl-D to exit.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sox> ",
		HistoryFile:     historyFilePath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fail(exitIOError, "starting repl: %v", err)
	}
	defer rl.Close()

	v := vm.New()
	var out strings.Builder
	v.Stdout = &out

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fail(exitIOError, "repl: %v", err)
		}
		if line == "" {
			continue
		}

		result := v.Interpret(line)
		if out.Len() > 0 {
			fmt.Print(out.String())
			out.Reset()
		}
		if result == vm.InterpretRuntimeError {
			warnColor.Fprintln(os.Stderr, v.LastError())
		}
	}
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sox_history"
	}
	return filepath.Join(home, ".sox_history")
}
