// Package configbinder decodes loosely typed property maps into configuration structs.
package configbinder

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// BindProperties decodes properties into target using the struct's `yaml` tags.
// Strings are converted to numbers, booleans and time.Duration values ("30s", "2m").
func BindProperties(properties map[string]interface{}, target interface{}) error {
	if len(properties) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(properties); err != nil {
		targetType := reflect.TypeOf(target)
		if targetType.Kind() == reflect.Ptr {
			targetType = targetType.Elem()
		}
		return fmt.Errorf("failed to bind properties to struct %s: %w", targetType.Name(), err)
	}
	return nil
}

// BindAny is BindProperties for values that arrive as interface{}, such as entries of a yaml map.
func BindAny(raw interface{}, target interface{}) error {
	if raw == nil {
		return nil
	}
	props, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected a mapping, got %T", raw)
	}
	return BindProperties(props, target)
}
