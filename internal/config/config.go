// Package config loads HCL configuration for the Publisher, Worker and
// Sender binaries on top of their kong-parsed CLI flags, with precedence
// defaults < HCL file < environment < CLI flag.
package config

import (
	"fmt"
	"io"
	"reflect"

	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
)

// Overlay records which of cli's fields differ from their kong defaults (the
// values the CLI/env set), overlays the HCL document read from r on top, then
// restores those recorded values so a flag always wins over the file. cli must already have had kong.Parse
// applied to it (so CLI/env flags are populated) before Overlay is called.
func Overlay[T any](cli *T, r io.Reader) error {
	defaults := new(T)
	if _, err := kong.New(defaults, kong.Exit(func(int) {})); err != nil {
		return fmt.Errorf("get defaults: %w", err)
	}

	saved := saveNonDefaultValues(cli, defaults)

	ast, err := hcl.Parse(r)
	if err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := hcl.UnmarshalAST(ast, cli); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	restoreValues(cli, saved)
	return nil
}

func buildFieldPath(path, fieldName string) string {
	if path != "" {
		return path + "." + fieldName
	}
	return fieldName
}

// saveNonDefaultValues recursively saves field values that differ from
// defaults. Returns a map of field paths to their values.
func saveNonDefaultValues[T any](target, defaults *T) map[string]any {
	saved := make(map[string]any)
	saveFieldValues(reflect.ValueOf(target).Elem(), reflect.ValueOf(defaults).Elem(), "", saved)
	return saved
}

func saveFieldValues(targetVal, defaultsVal reflect.Value, path string, saved map[string]any) {
	targetType := targetVal.Type()

	for i := range targetVal.NumField() {
		field := targetType.Field(i)
		targetField := targetVal.Field(i)
		defaultField := defaultsVal.Field(i)

		if !targetField.CanSet() {
			continue
		}

		fieldPath := buildFieldPath(path, field.Name)

		if targetField.Kind() == reflect.Struct {
			saveFieldValues(targetField, defaultField, fieldPath, saved)
			continue
		}

		if !reflect.DeepEqual(targetField.Interface(), defaultField.Interface()) {
			saved[fieldPath] = targetField.Interface()
		}
	}
}

// restoreValues recursively restores saved values back into the target
// struct, so CLI/env values always take precedence over the config file.
func restoreValues[T any](target *T, saved map[string]any) {
	restoreFieldValues(reflect.ValueOf(target).Elem(), "", saved)
}

func restoreFieldValues(targetVal reflect.Value, path string, saved map[string]any) {
	targetType := targetVal.Type()

	for i := range targetVal.NumField() {
		field := targetType.Field(i)
		targetField := targetVal.Field(i)

		if !targetField.CanSet() {
			continue
		}

		fieldPath := buildFieldPath(path, field.Name)

		if targetField.Kind() == reflect.Struct {
			restoreFieldValues(targetField, fieldPath, saved)
			continue
		}

		if savedValue, ok := saved[fieldPath]; ok {
			targetField.Set(reflect.ValueOf(savedValue))
		}
	}
}
