package entitykit

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Decode performs the typed decode step of unpacking: payload keys are
// matched against the target struct's db tags, values are converted weakly
// (JSON numbers into integer fields and so on) and date-ish values are run
// through ParseDate when the field is a time.Time. Unknown payload keys are
// ignored. Concrete Unpack implementations usually call UnpackStamps and
// then Decode.
func Decode(p Payload, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "db",
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook:       decodeDateHook,
	})
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func decodeDateHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	ts, ok := ParseDate(data)
	if !ok {
		return data, fmt.Errorf("cannot parse %v as a date", data)
	}
	return ts, nil
}

// columnValues flattens obj into a column-name → value map following the
// same db tag convention the row scanner uses. Anonymous embedded structs
// (Base, Remote) are walked recursively so their promoted columns appear at
// the top level.
func columnValues(obj any) map[string]any {
	values := make(map[string]any)
	collectColumnValues(reflect.ValueOf(obj), values)
	return values
}

func collectColumnValues(v reflect.Value, values map[string]any) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			collectColumnValues(v.Field(i), values)
			continue
		}
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		values[tag] = v.Field(i).Interface()
	}
}

// missingColumns reports entity columns absent from values. A non-empty
// result means the Go type and the schema model disagree.
func missingColumns(columns []string, values map[string]any) []string {
	var missing []string
	for _, col := range columns {
		if _, ok := values[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}
