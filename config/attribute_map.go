package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/utils"
)

// AttributeMap is a loosely typed bag of per-component settings, decoded later into the typed
// config of the component that owns it.
type AttributeMap map[string]interface{}

// Has reports whether the key is present.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String returns the string at the key, or the empty string. It panics on a value of another type.
func (am AttributeMap) String(name string) string {
	if am == nil {
		return ""
	}
	if x, has := am[name]; has {
		if s, ok := x.(string); ok {
			return s
		}
		panic(fmt.Errorf("wanted a string for (%s) but got (%v) %T", name, x, x))
	}
	return ""
}

// Bool returns the boolean at the key, or def if it is missing.
func (am AttributeMap) Bool(name string, def bool) bool {
	if am == nil {
		return def
	}
	x, has := am[name]
	if !has {
		return def
	}
	if v, ok := x.(bool); ok {
		return v
	}
	panic(fmt.Errorf("wanted a bool for (%s) but got (%v) %T", name, x, x))
}

// Decode fills `to` from the map, matching keys against json tags. Duration fields accept
// strings like "250ms".
func (am AttributeMap) Decode(to interface{}) error {
	md := &mapstructure.Metadata{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           to,
		Metadata:         md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "error creating decoder")
	}
	if err := decoder.Decode(map[string]interface{}(am)); err != nil {
		return err
	}
	if len(md.Unused) > 0 {
		return errors.Errorf("unknown attributes %v", md.Unused)
	}
	return nil
}

// Duration is a helper to read a duration attribute that may be a string or a number of
// milliseconds.
func (am AttributeMap) Duration(name string, def time.Duration) (time.Duration, error) {
	x, has := am[name]
	if !has {
		return def, nil
	}
	switch v := x.(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, errors.Wrapf(utils.NewUnexpectedTypeError("", x), "attribute %q is not a duration", name)
	}
}
