package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ExtraFields is the policy an input type declares for unknown fields.
type ExtraFields string

const (
	ExtraIgnore ExtraFields = "ignore"
	ExtraForbid ExtraFields = "forbid"
	ExtraAllow  ExtraFields = "allow"
)

// ExtraFieldsPolicy is implemented by input types that declare how unknown
// fields are treated. Tool inputs may only declare ExtraIgnore; types that do
// not implement it are accepted and unknown fields are dropped.
type ExtraFieldsPolicy interface {
	ExtraFields() ExtraFields
}

const resourceURL = "input.json"

var (
	policyIface = reflect.TypeOf((*ExtraFieldsPolicy)(nil)).Elem()
	printer     = message.NewPrinter(language.English)
)

// InputContract is the validated description of the fields a Tool accepts.
// It is derived once from the input struct type and never changes.
type InputContract struct {
	typ      reflect.Type // always a struct type
	pointer  bool         // callable takes *typ
	fields   []string
	required []string
	props    map[string]*invopop.Schema
	schema   json.RawMessage
	compiled *jsonschema.Schema
	extra    ExtraFields
}

func deriveContract(toolName string, t reflect.Type) (*InputContract, error) {
	st := t
	pointer := false
	if st != nil && st.Kind() == reflect.Pointer {
		st = st.Elem()
		pointer = true
	}
	if st == nil || st.Kind() != reflect.Struct {
		return nil, &SignatureError{Tool: toolName, Reason: fmt.Sprintf("input type %v is not a struct", t)}
	}

	extra, err := declaredExtraFields(toolName, st)
	if err != nil {
		return nil, err
	}

	reflector := invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	s := reflector.ReflectFromType(st)

	c := &InputContract{
		typ:      st,
		pointer:  pointer,
		required: slices.Clone(s.Required),
		props:    make(map[string]*invopop.Schema),
		extra:    extra,
	}
	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			c.fields = append(c.fields, pair.Key)
			c.props[pair.Key] = pair.Value
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, &SignatureError{Tool: toolName, Reason: fmt.Sprintf("input schema for %v: %v", st, err)}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &SignatureError{Tool: toolName, Reason: fmt.Sprintf("input schema for %v: %v", st, err)}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, &SignatureError{Tool: toolName, Reason: fmt.Sprintf("input schema for %v: %v", st, err)}
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, &SignatureError{Tool: toolName, Reason: fmt.Sprintf("input schema for %v: %v", st, err)}
	}
	c.schema = raw
	c.compiled = compiled
	return c, nil
}

// declaredExtraFields returns the policy declared by st (or *st). An unset
// policy is returned as "" and accepted.
func declaredExtraFields(toolName string, st reflect.Type) (ExtraFields, error) {
	var p ExtraFieldsPolicy
	switch {
	case st.Implements(policyIface):
		p = reflect.Zero(st).Interface().(ExtraFieldsPolicy)
	case reflect.PointerTo(st).Implements(policyIface):
		p = reflect.New(st).Interface().(ExtraFieldsPolicy)
	default:
		return "", nil
	}
	policy := p.ExtraFields()
	if policy != "" && policy != ExtraIgnore {
		return "", &PolicyError{Tool: toolName, Type: st.String(), Policy: policy}
	}
	return policy, nil
}

// JSONSchema returns the JSON Schema of the input type.
func (c *InputContract) JSONSchema() json.RawMessage {
	return slices.Clone(c.schema)
}

// Fields returns the declared field names in declaration order.
func (c *InputContract) Fields() []string {
	return slices.Clone(c.fields)
}

// Required returns the names of fields that must be supplied.
func (c *InputContract) Required() []string {
	return slices.Clone(c.required)
}

// ExtraFields returns the declared policy, or "" when the type declares none.
func (c *InputContract) ExtraFields() ExtraFields {
	return c.extra
}

// Type returns the input struct type.
func (c *InputContract) Type() reflect.Type {
	return c.typ
}

// decode validates args and returns a value of the callable's input type.
func (c *InputContract) decode(toolName string, args map[string]any) (any, error) {
	var fieldErrs []FieldError
	doc := make(map[string]any, len(c.fields))
	for _, name := range c.fields {
		v, ok := args[name]
		if !ok {
			continue
		}
		norm, err := normalize(v)
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: name, Reason: "value is not JSON-serializable"})
			continue
		}
		doc[name] = coerce(norm, c.props[name])
	}

	if len(fieldErrs) == 0 {
		if err := c.compiled.Validate(doc); err != nil {
			fieldErrs = schemaFieldErrors(err)
		}
	}
	if len(fieldErrs) > 0 {
		return nil, &ValidationError{Tool: toolName, Fields: c.sortFieldErrors(fieldErrs)}
	}

	out := reflect.New(c.typ)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out.Interface(),
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonNumberHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("tool.decode new decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return nil, &ValidationError{Tool: toolName, Fields: c.sortFieldErrors(decodeFieldErrors(err))}
	}
	if c.pointer {
		return out.Interface(), nil
	}
	return out.Elem().Interface(), nil
}

// sortFieldErrors orders errors by declared field order and drops duplicates.
func (c *InputContract) sortFieldErrors(errs []FieldError) []FieldError {
	rank := func(field string) int {
		top, _, _ := strings.Cut(field, ".")
		if i := slices.Index(c.fields, top); i >= 0 {
			return i
		}
		return len(c.fields)
	}
	sort.SliceStable(errs, func(i, j int) bool {
		ri, rj := rank(errs[i].Field), rank(errs[j].Field)
		if ri != rj {
			return ri < rj
		}
		return errs[i].Field < errs[j].Field
	})
	return slices.Compact(errs)
}

// normalize converts v into the generic JSON shape the validator expects
// (numbers become json.Number).
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// coerce applies lenient scalar conversion from strings where the field
// schema asks for a number or boolean.
func coerce(v any, prop *invopop.Schema) any {
	if prop == nil {
		return v
	}
	switch prop.Type {
	case "integer", "number":
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				return json.Number(s)
			}
		}
	case "boolean":
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	case "array":
		if items, ok := v.([]any); ok && prop.Items != nil {
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = coerce(item, prop.Items)
			}
			return out
		}
	case "object":
		if m, ok := v.(map[string]any); ok && prop.Properties != nil {
			for k, item := range m {
				if sub, ok := prop.Properties.Get(k); ok {
					m[k] = coerce(item, sub)
				}
			}
		}
	}
	return v
}

func schemaFieldErrors(err error) []FieldError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldError{{Field: "input", Reason: err.Error()}}
	}
	var out []FieldError
	collectFieldErrors(ve, &out)
	return out
}

func collectFieldErrors(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectFieldErrors(cause, out)
		}
		return
	}
	loc := strings.Join(ve.InstanceLocation, ".")
	if req, ok := ve.ErrorKind.(*kind.Required); ok {
		for _, name := range req.Missing {
			*out = append(*out, FieldError{Field: joinField(loc, name), Reason: "field required"})
		}
		return
	}
	if loc == "" {
		loc = "input"
	}
	*out = append(*out, FieldError{Field: loc, Reason: ve.ErrorKind.LocalizedString(printer)})
}

var jsonNumberType = reflect.TypeOf(json.Number(""))

// jsonNumberHook converts json.Number into the target numeric kind. Integral
// literals such as 5.0 and 1e2 are valid JSON integers but are rejected by
// json.Number.Int64.
func jsonNumberHook(from, to reflect.Type, data any) (any, error) {
	if from != jsonNumberType {
		return data, nil
	}
	n := data.(json.Number)
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, fmt.Errorf("%s is not an integer", n)
		}
		return int64(f), nil
	case reflect.Float32, reflect.Float64:
		return n.Float64()
	}
	return data, nil
}

// decodeFieldName matches the field path mapstructure quotes at the start of
// its messages ('limit', 'filter.tags[0]').
var decodeFieldName = regexp.MustCompile(`'([^']+)'`)

func decodeFieldErrors(err error) []FieldError {
	msgs := []string{err.Error()}
	var me *mapstructure.Error
	if errors.As(err, &me) {
		msgs = me.Errors
	}
	out := make([]FieldError, 0, len(msgs))
	for _, msg := range msgs {
		field := "input"
		if m := decodeFieldName.FindStringSubmatch(msg); m != nil {
			field = m[1]
		}
		out = append(out, FieldError{Field: field, Reason: msg})
	}
	return out
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
