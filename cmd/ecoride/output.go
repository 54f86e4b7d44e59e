package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"
)

// jsonMode reports whether the command should print JSON instead of tables.
func jsonMode(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// stdout is where command output goes. Tests swap App.Writer.
func stdout(c *cli.Context) io.Writer {
	if c.App != nil && c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// outputJSON prints v as indented JSON, or the results of the --jq
// expression applied to it.
func outputJSON(c *cli.Context, v interface{}) error {
	w := stdout(c)
	expr := c.String("jq")
	if expr == "" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	doc, err := toJQValue(v)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	iter := code.Run(doc)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// compileFilters compiles every --filter expression of a command.
func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// toJQValue converts a Go value into the generic form gojq evaluates.
func toJQValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return doc, nil
}

// matchesAll reports whether every filter yields a truthy first result for v.
// An event that cannot be evaluated does not match.
func matchesAll(codes []*gojq.Code, v interface{}) bool {
	if len(codes) == 0 {
		return true
	}
	doc, err := toJQValue(v)
	if err != nil {
		return false
	}
	for _, code := range codes {
		iter := code.Run(doc)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// cliLogger logs to stderr. Only errors are shown unless --verbose is set.
func cliLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelError
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
