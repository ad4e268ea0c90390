package provider

import "reflect"

// structTag reads the `settings:"..."` tag off a schema struct field.
func structTag(cfg interface{}, field string) string {
	t := reflect.TypeOf(cfg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return ""
	}
	if sf, ok := t.FieldByName(field); ok {
		return sf.Tag.Get("settings")
	}
	return ""
}
