// Package compiler walks a parsed OpenAPI document's callback declarations
// and emits immutable model.CallbackPlan records. Compile is a pure
// function of the parsed document: no I/O, no mutation of its input; Load
// reads and validates the document from a file before compiling it.
package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/callhook/model"
)

// Load parses and validates an OpenAPI document from specPath and compiles
// every callback declaration it contains into CallbackPlan records.
func Load(specPath string) ([]model.CallbackPlan, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("compiler: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("compiler: validating %s: %w", specPath, err)
	}
	return Compile(doc)
}

// Compile walks every operation's callbacks across doc and returns a
// deterministically ordered slice of CallbackPlan. Because
// openapi3.Callbacks and openapi3.Paths are backed by plain Go maps with no
// insertion-order tracking, exact document-order emission is not
// observable from the parsed document; plans are instead sorted by
// (callback name, url expression, method) for a stable, if not strictly
// document-order, sequence.
func Compile(doc *openapi3.T) ([]model.CallbackPlan, error) {
	var plans []model.CallbackPlan

	for _, pathItem := range doc.Paths.Map() {
		for _, op := range pathItem.Operations() {
			for callbackName, callbackRef := range op.Callbacks {
				if callbackRef == nil || callbackRef.Value == nil {
					continue
				}
				for expression, cbPathItem := range *callbackRef.Value {
					for method, cbOp := range cbPathItem.Operations() {
						plan, err := compileOne(callbackName, expression, method, cbPathItem, cbOp)
						if err != nil {
							return nil, err
						}
						plans = append(plans, plan)
					}
				}
			}
		}
	}

	sort.Slice(plans, func(i, j int) bool {
		a, b := plans[i], plans[j]
		if a.CallbackID != b.CallbackID {
			return a.CallbackID < b.CallbackID
		}
		if a.URLTemplate != b.URLTemplate {
			return a.URLTemplate < b.URLTemplate
		}
		return a.Method < b.Method
	})

	return plans, nil
}

func compileOne(
	callbackName, expression, method string,
	pathItem *openapi3.PathItem,
	op *openapi3.Operation,
) (model.CallbackPlan, error) {
	if expression == "" {
		return model.CallbackPlan{}, model.NewConfigError(callbackName, "empty callback expression")
	}

	operationID := op.OperationID
	if operationID == "" {
		operationID = fmt.Sprintf("%s__%s", callbackName, strings.ToLower(method))
	}

	pathParams := compilePathParams(pathItem, op)
	body := compileBodyPlan(op)

	return model.CallbackPlan{
		CallbackID:  callbackName,
		URLTemplate: expression,
		Method:      strings.ToUpper(method),
		OperationID: operationID,
		PathParams:  pathParams,
		Body:        body,
	}, nil
}

func compilePathParams(pathItem *openapi3.PathItem, op *openapi3.Operation) []model.PathParam {
	var params []model.PathParam
	seen := make(map[string]struct{})

	collect := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := ref.Value
			if p.In != openapi3.ParameterInPath || p.Name == "" {
				continue
			}
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			params = append(params, model.PathParam{Name: p.Name, Location: "path"})
		}
	}

	collect(pathItem.Parameters)
	collect(op.Parameters)

	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

func compileBodyPlan(op *openapi3.Operation) model.BodyPlan {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return model.BodyPlan{}
	}
	content := op.RequestBody.Value.Content
	if len(content) == 0 {
		return model.BodyPlan{}
	}
	if _, ok := content["application/json"]; ok {
		return model.BodyPlan{Present: true, MediaType: "application/json"}
	}

	mediaTypes := make([]string, 0, len(content))
	for mt := range content {
		mediaTypes = append(mediaTypes, mt)
	}
	sort.Strings(mediaTypes)
	return model.BodyPlan{Present: true, MediaType: mediaTypes[0]}
}
