package operations

import (
	"reflect"
	"strconv"
	"strings"

	"stackyn/pipeline/internal/secrets"
)

// Field kinds
const (
	KindString = "string"
	KindList   = "list"
	KindBool   = "bool"
	KindSecret = "secret"
)

// Field describes one argument of an operation
type Field struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
	Usage    string `json:"usage,omitempty"`
}

// Descriptor describes an operation and its arguments
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Queueable   bool    `json:"queueable"`
	Fields      []Field `json:"fields"`
}

var secretRefType = reflect.TypeOf(secrets.Ref(""))

// Describe returns the descriptor of every operation in registration order
func (r *Registry) Describe() []Descriptor {
	descriptors := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		op := r.ops[name]
		descriptors = append(descriptors, Descriptor{
			Name:        op.Name,
			Description: op.Description,
			Queueable:   op.Queueable,
			Fields:      describeFields(op.newArgs()),
		})
	}
	return descriptors
}

func describeFields(args any) []Field {
	v := reflect.ValueOf(args).Elem()
	t := v.Type()

	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}

		field := Field{
			Name:     name,
			Usage:    sf.Tag.Get("usage"),
			Required: strings.Contains(","+sf.Tag.Get("validate")+",", ",required,"),
		}

		fv := v.Field(i)
		switch {
		case sf.Type == secretRefType:
			field.Kind = KindSecret
		case sf.Type.Kind() == reflect.Bool:
			field.Kind = KindBool
			field.Default = strconv.FormatBool(fv.Bool())
		case sf.Type.Kind() == reflect.Slice:
			field.Kind = KindList
		default:
			field.Kind = KindString
			field.Default = fv.String()
		}
		fields = append(fields, field)
	}
	return fields
}
