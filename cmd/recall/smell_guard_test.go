package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"recall/internal/config"
)

const maxCmdConstructorLines = 100

// Subcommands get their own constructor once a group grows; keep each one
// readable on a screen.
func TestCommandConstructorsStaySmall(t *testing.T) {
	fset := token.NewFileSet()
	for _, path := range commandSourceFiles(t) {
		file, err := parser.ParseFile(fset, path, nil, 0)
		if err != nil {
			t.Fatalf("parse %s: %v", path, err)
		}
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil || !isCommandConstructor(fn.Name.Name) {
				continue
			}
			start := fset.Position(fn.Body.Lbrace).Line
			end := fset.Position(fn.Body.Rbrace).Line
			if n := end - start + 1; n > maxCmdConstructorLines {
				t.Errorf("constructor %s in %s is %d lines (max %d)", fn.Name.Name, filepath.Base(path), n, maxCmdConstructorLines)
			}
		}
	}
}

// Every runnable command validates its positional arguments and has a
// one-line summary, so typos fail before the store is opened.
func TestLeafCommandsValidateArgs(t *testing.T) {
	cfg := config.Default()
	var walk func(cmd *cobra.Command)
	walk = func(cmd *cobra.Command) {
		for _, child := range cmd.Commands() {
			if child.Hidden || child.Name() == "help" || child.Name() == "completion" {
				continue
			}
			if child.Short == "" {
				t.Errorf("%q has no short description", child.CommandPath())
			}
			if child.Runnable() && child.Args == nil {
				t.Errorf("%q does not declare an Args validator", child.CommandPath())
			}
			walk(child)
		}
	}
	walk(newRootCmd(&cfg))
}

func commandSourceFiles(t *testing.T) []string {
	t.Helper()
	_, self, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	dir := filepath.Dir(self)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files
}

func isCommandConstructor(name string) bool {
	return strings.HasPrefix(name, "new") && strings.HasSuffix(name, "Cmd")
}
