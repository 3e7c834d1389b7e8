// Package resolver implements the two-stage URL template grammar: runtime
// expressions that pull a value out of the callback payload via a JSON
// Pointer, and token placeholders substituted from resolved vars.
//
// Grounded on the teacher's buildRequestURL/buildRequestHeaders pattern in
// internal/invoker/openapi.go, generalized to the spec's richer grammar.
package resolver

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"

	"github.com/pitabwire/callhook/model"
)

var (
	runtimeExprPattern = regexp.MustCompile(`\{\$request\.body#(/[^}]*)\}`)
	tokenPattern       = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Resolve implements the URL resolver contract: runtime expressions are
// substituted first, then token placeholders, then the result is
// absolutized against rt.DefaultBaseURI when it does not already carry a
// scheme other than "file" (see isAbsoluteHTTPLike).
func Resolve(urlTemplate string, rt model.CallbackRuntimeContext) (string, error) {
	withExpressions, err := substituteRuntimeExpressions(urlTemplate, rt)
	if err != nil {
		return "", err
	}

	withTokens, err := substituteTokens(withExpressions, rt.Vars)
	if err != nil {
		return "", err
	}

	return absolutize(withTokens, rt.DefaultBaseURI)
}

func substituteRuntimeExpressions(tmpl string, rt model.CallbackRuntimeContext) (string, error) {
	var firstErr error
	result := runtimeExprPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := runtimeExprPattern.FindStringSubmatch(match)
		ptr := sub[1]

		if rt.CallbackPayload == nil {
			firstErr = model.NewResolutionError(model.ResolutionMissingPayload, "runtime expression requires a callback payload: "+match)
			return match
		}

		value, err := evaluatePointer(ptr, rt.CallbackPayload)
		if err != nil {
			firstErr = err
			return match
		}

		return renderPointerValue(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// renderPointerValue inserts a string value's raw characters; any other
// JSON value is inserted as its canonical JSON text.
func renderPointerValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}

// evaluatePointer walks ptr (an RFC 6901 JSON Pointer, tokenized and
// unescaped via go-openapi/jsonpointer) over document, classifying
// failures into PointerNotFound vs PointerTypeError — a distinction the
// library's own Get does not expose through a single error return, so the
// walk is performed here using its tokenizer.
func evaluatePointer(ptr string, document any) (any, error) {
	p, err := jsonpointer.New(ptr)
	if err != nil {
		return nil, model.NewResolutionError(model.ResolutionPointerNotFound, "malformed pointer "+ptr+": "+err.Error())
	}

	current := document
	for _, token := range p.DecodedTokens() {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[token]
			if !ok {
				return nil, model.NewResolutionError(model.ResolutionPointerNotFound, "no such key "+token+" in pointer "+ptr)
			}
			current = next
		case []any:
			idx, convErr := strconv.Atoi(token)
			if convErr != nil || idx < 0 || idx >= len(v) {
				return nil, model.NewResolutionError(model.ResolutionPointerNotFound, "index out of bounds "+token+" in pointer "+ptr)
			}
			current = v[idx]
		default:
			return nil, model.NewResolutionError(model.ResolutionPointerTypeError, "segment "+token+" crosses a scalar in pointer "+ptr)
		}
	}
	return current, nil
}

func substituteTokens(tmpl string, vars model.Vars) (string, error) {
	var firstErr error
	result := tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := tokenPattern.FindStringSubmatch(match)[1]
		value, ok := vars.Get(name)
		if !ok || value == "" {
			firstErr = model.NewResolutionError(model.ResolutionMissingToken, "no value for token "+name)
			return match
		}
		return formEncode(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// formEncode mirrors application/x-www-form-urlencoded escaping, which
// encodes spaces as "+" where url.QueryEscape already matches this
// behavior.
func formEncode(s string) string {
	return url.QueryEscape(s)
}

func absolutize(raw string, base *url.URL) (string, error) {
	parsed, err := url.Parse(raw)
	if err == nil && isAbsoluteHTTPLike(parsed, raw) {
		return raw, nil
	}

	if base == nil {
		return "", model.NewResolutionError(model.ResolutionUnresolvable, "no default base URI configured for relative target "+raw)
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", model.NewResolutionError(model.ResolutionUnresolvable, "cannot parse relative target "+raw+": "+err.Error())
	}
	return base.ResolveReference(ref).String(), nil
}

// isAbsoluteHTTPLike reports whether parsed should be treated as already
// absolute: it has a scheme other than "file", and the raw string does not
// itself look like a bare POSIX path (which net/url would otherwise parse
// as a file:// URI).
func isAbsoluteHTTPLike(parsed *url.URL, raw string) bool {
	if strings.HasPrefix(raw, "/") {
		return false
	}
	return parsed.Scheme != "" && parsed.Scheme != "file"
}
