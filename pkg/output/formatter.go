// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Formatter defines the interface for output formatting.
type Formatter interface {
	Format(data any) string
}

// NewFormatter returns a Formatter for the given format string.
// Supported formats: "table" (default), "json", "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{}
	case "yaml":
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// TableFormatter formats data as aligned text tables using tabwriter. Column
// headers come from the json tag of each exported field.
type TableFormatter struct{}

func (f *TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "No resources found.\n"
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "No resources found.\n"
		}
		elem := indirect(v.Index(0))
		if elem.Kind() == reflect.Struct {
			fields := columns(elem.Type())
			headers := make([]string, len(fields))
			for i, fi := range fields {
				headers[i] = strings.ToUpper(fi.name)
			}
			fmt.Fprintln(w, strings.Join(headers, "\t"))

			for i := 0; i < v.Len(); i++ {
				row := indirect(v.Index(i))
				vals := make([]string, len(fields))
				for j, fi := range fields {
					vals[j] = cell(row.Field(fi.index))
				}
				fmt.Fprintln(w, strings.Join(vals, "\t"))
			}
		} else {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, cell(v.Index(i)))
			}
		}
	case reflect.Struct:
		for _, fi := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", fi.name, cell(v.Field(fi.index)))
		}
	case reflect.Map:
		keys := v.MapKeys()
		sortValues(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%v:\t%s\n", k.Interface(), cell(v.MapIndex(k)))
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

type column struct {
	index int
	name  string
}

// columns lists the exported, non-skipped fields of t in declaration order.
func columns(t reflect.Type) []column {
	var out []column
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out = append(out, column{index: i, name: name})
	}
	return out
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() || ((v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil()) {
		return "-"
	}
	if t, ok := v.Interface().(time.Time); ok {
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format(time.DateTime)
	}
	return fmt.Sprintf("%v", v.Interface())
}

func sortValues(keys []reflect.Value) {
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
