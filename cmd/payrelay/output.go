package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// output writes v as indented JSON when --json is set, runs it through the
// --jq expression when one is given, and otherwise calls human.
func output(c *cli.Context, v interface{}, human func(w io.Writer)) error {
	w := c.App.Writer
	if expr := c.String("jq"); expr != "" {
		code, err := compileJQ(expr)
		if err != nil {
			return err
		}
		return runJQ(w, code, v)
	}
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
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

// toJQValue round-trips v through JSON so gojq sees plain maps and slices.
func toJQValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return out, nil
}

// runJQ prints every result of code. Strings are printed raw.
func runJQ(w io.Writer, code *gojq.Code, v interface{}) error {
	input, err := toJQValue(v)
	if err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if s, isString := result.(string); isString {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
}

// matchesAll reports whether every filter yields a truthy first result for v.
func matchesAll(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	input, err := toJQValue(v)
	if err != nil {
		return false, err
	}
	for _, code := range codes {
		result, ok := code.Run(input).Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, fmt.Errorf("jq: %w", err)
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// compileWhere compiles the --where filters.
func compileWhere(c *cli.Context) ([]*gojq.Code, error) {
	exprs := c.StringSlice("where")
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

// whereFlag filters listed items with jq expressions that must all be truthy.
func whereFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "where",
		Usage: "jq expression each item must satisfy (repeatable, all must match)",
	}
}
