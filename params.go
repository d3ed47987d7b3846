package molecule

import (
	"errors"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeParams copies the params of a call into out, which must be a
// pointer. Local callers may pass typed values while remote ones arrive as
// decoded JSON maps: both end up in out. Field names follow `json` tags.
// Failures are `ValidationError`s.
func DecodeParams(params any, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("DecodeParams needs a non-nil pointer")
	}

	if params != nil {
		pv := reflect.ValueOf(params)
		target := rv.Elem().Type()
		if pv.Type().AssignableTo(target) {
			rv.Elem().Set(pv)
			return nil
		}
		if pv.Kind() == reflect.Pointer && !pv.IsNil() && pv.Elem().Type().AssignableTo(target) {
			rv.Elem().Set(pv.Elem())
			return nil
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return NewValidationError("invalid params", "INVALID_PARAMS", err.Error())
	}
	return nil
}
