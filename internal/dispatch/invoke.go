// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonical/velero-relay/core/principal"
)

var tracer = otel.Tracer("github.com/canonical/velero-relay/internal/dispatch")

// Call is one invocation of a route.
type Call struct {
	Method    string
	Path      string
	Params    json.RawMessage
	Principal principal.Principal
}

// Invoke resolves and runs the route for call, returning the plain result
// body. A missing route is a NotFound error, an unsupported method is
// NotSupported and params rejected by the route's schema are NotValid.
func (t *Table) Invoke(ctx context.Context, call Call) (_ any, err error) {
	method := strings.ToUpper(strings.TrimSpace(call.Method))
	ctx, span := tracer.Start(ctx, "dispatch "+method+" "+call.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("velero.relay.method", method),
			attribute.String("velero.relay.path", call.Path),
			attribute.String("velero.relay.principal", call.Principal.ID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !supported(method) {
		return nil, errors.NotSupportedf("method %q", call.Method)
	}
	route, ok := t.Resolve(call.Path, method)
	if !ok {
		return nil, errors.NotFoundf("handler for %s %s", method, call.Path)
	}

	params, err := decodeParams(call.Params)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req := Request{
		Method:    method,
		Path:      call.Path,
		Raw:       call.Params,
		Principal: call.Principal,
	}
	if !mutating(method) {
		params = typed(params)
		req.Query = params
	}
	if route.Schema != nil {
		if err := validate(route.Schema, params); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if mutating(method) && route.NewBody != nil {
		body := route.NewBody()
		if err := decodeBody(params, body); err != nil {
			return nil, errors.Trace(err)
		}
		req.Body = body
	}

	result, err := route.Handler(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return unwrap(result), nil
}

func unwrap(result any) any {
	switch r := result.(type) {
	case Response:
		return r.Body
	case *Response:
		if r == nil {
			return nil
		}
		return r.Body
	}
	return result
}

// decodeParams accepts nothing, a JSON object or a query string, either
// bare or as a JSON string. Other JSON values are rejected.
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	switch trimmed[0] {
	case '{':
		var params map[string]any
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return nil, errors.NotValidf("params: %v", err)
		}
		return params, nil
	case '"':
		var query string
		if err := json.Unmarshal(trimmed, &query); err != nil {
			return nil, errors.NotValidf("params: %v", err)
		}
		return parseQuery(query)
	}
	if json.Valid(trimmed) {
		return nil, errors.NotValidf("params %s", trimmed)
	}
	return parseQuery(string(trimmed))
}

func parseQuery(query string) (map[string]any, error) {
	query = strings.TrimPrefix(strings.TrimSpace(query), "?")
	params := map[string]any{}
	if query == "" {
		return params, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.NotValidf("query %q: %v", query, err)
	}
	for key, vals := range values {
		if len(vals) == 1 {
			params[key] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		params[key] = list
	}
	return params, nil
}

// typed converts string params into booleans and parsed JSON where they
// look like it. Anything else is left alone.
func typed(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = typedValue(value)
	}
	return out
}

func typedValue(value any) any {
	switch v := value.(type) {
	case string:
		switch strings.TrimSpace(v) {
		case "true":
			return true
		case "false":
			return false
		}
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = typedValue(item)
		}
		return out
	}
	return value
}

func validate(schema *jsonschema.Schema, params map[string]any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return errors.Trace(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.Trace(err)
	}
	if err := schema.Validate(doc); err != nil {
		return errors.NewNotValid(err, "params")
	}
	return nil
}

func decodeBody(params map[string]any, body any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           body,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := decoder.Decode(params); err != nil {
		return errors.NewNotValid(err, "params")
	}
	return nil
}

// CompileSchema compiles a JSON schema document for use as Route.Schema.
func CompileSchema(name, document string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		return nil, errors.Annotatef(err, "parsing schema %q", name)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, errors.Annotatef(err, "adding schema %q", name)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, errors.Annotatef(err, "compiling schema %q", name)
	}
	return schema, nil
}

// MustCompileSchema is CompileSchema for schemas built into the binary.
func MustCompileSchema(name, document string) *jsonschema.Schema {
	schema, err := CompileSchema(name, document)
	if err != nil {
		panic(err)
	}
	return schema
}
