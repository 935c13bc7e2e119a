// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appvisor

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ForkOptions is the snapshot of cluster configuration handed to each
// worker on its command line.
type ForkOptions struct {
	DistPath       string                 `json:"distPath"`
	Host           string                 `json:"host"`
	Port           string                 `json:"port"`
	SandboxOptions map[string]interface{} `json:"sandboxOptions,omitempty"`
}

// EncodeForkOptions renders o as a single argument-safe string.  Values in
// SandboxOptions that refer back to one of their own ancestors are dropped,
// as are values JSON cannot represent (functions, channels).  Structs are
// copied field by field under their JSON names, so a pointer cycle through
// a struct is dropped the same way.
func EncodeForkOptions(o ForkOptions) (string, error) {
	if o.SandboxOptions != nil {
		v, _ := stripCycles(reflect.ValueOf(o.SandboxOptions), nil)
		o.SandboxOptions, _ = v.(map[string]interface{})
	}
	b, e := json.Marshal(o)
	if e != nil {
		return "", fmt.Errorf("encoding fork options: %w", e)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeForkOptions reverses EncodeForkOptions.
func DecodeForkOptions(s string) (ForkOptions, error) {
	var o ForkOptions
	b, e := base64.RawURLEncoding.DecodeString(s)
	if e != nil {
		return o, fmt.Errorf("decoding fork options: %w", e)
	}
	if e := json.Unmarshal(b, &o); e != nil {
		return o, fmt.Errorf("decoding fork options: %w", e)
	}
	return o, nil
}

// stripCycles copies v, omitting anything that would recurse into one of
// its own ancestors.  The boolean is false when v itself must be dropped.
func stripCycles(v reflect.Value, path []uintptr) (interface{}, bool) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, true
		}
		if v.Kind() == reflect.Ptr {
			if seen(path, v.Pointer()) {
				return nil, false
			}
			if marshals(v.Type().Elem()) {
				return v.Interface(), true
			}
			path = append(path, v.Pointer())
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer,
		reflect.Complex64, reflect.Complex128, reflect.Invalid:
		return nil, false

	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		if seen(path, v.Pointer()) {
			return nil, false
		}
		path = append(path, v.Pointer())
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			if x, ok := stripCycles(iter.Value(), path); ok {
				out[k] = x
			}
		}
		return out, true

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, true
			}
			if v.Len() > 0 {
				if seen(path, v.Pointer()) {
					return nil, false
				}
				path = append(path, v.Pointer())
			}
		}
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			// A dropped element becomes null so positions hold.
			out[i], _ = stripCycles(v.Index(i), path)
		}
		return out, true

	case reflect.Struct:
		if marshals(v.Type()) {
			return v.Interface(), true
		}
		out := make(map[string]interface{}, v.NumField())
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" && opts == "" {
				continue
			}
			fv := v.Field(i)
			if f.Anonymous && name == "" && embedsStruct(f.Type) {
				// Embedded fields are promoted, as encoding/json does.
				x, _ := stripCycles(fv, path)
				if m, isMap := x.(map[string]interface{}); isMap {
					for k, mv := range m {
						if _, dup := out[k]; !dup {
							out[k] = mv
						}
					}
				}
				continue
			}
			if name == "" {
				name = f.Name
			}
			if strings.Contains(opts, "omitempty") && fv.IsZero() {
				continue
			}
			if x, ok := stripCycles(fv, path); ok {
				out[name] = x
			}
		}
		return out, true
	}
	return v.Interface(), true
}

var (
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func embedsStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && !marshals(t)
}

// marshals reports whether t encodes itself.
func marshals(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return t.Implements(jsonMarshaler) || pt.Implements(jsonMarshaler) ||
		t.Implements(textMarshaler) || pt.Implements(textMarshaler)
}

func seen(path []uintptr, p uintptr) bool {
	for _, x := range path {
		if x == p {
			return true
		}
	}
	return false
}
