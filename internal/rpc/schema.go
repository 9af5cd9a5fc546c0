package rpc

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Method names understood by the backend.
const (
	MethodInitiateAuth    = "initiate-auth"
	MethodCancelAuth      = "cancel-auth"
	MethodRefreshChannels = "refresh-channels"
	MethodCellStarted     = "cell-started"
	MethodCellFinished    = "cell-finished"
)

// methodSchema holds the JSON Schema source for one method. An empty string
// means that side of the call is not checked.
type methodSchema struct {
	params string
	result string
}

const emptyObject = `{"type": "object", "additionalProperties": false}`

var builtinSchemas = map[string]methodSchema{
	MethodInitiateAuth: {
		params: `{
			"type": "object",
			"properties": {"force": {"type": "boolean"}},
			"additionalProperties": false
		}`,
		result: `{"type": "null"}`,
	},
	MethodCancelAuth: {
		params: emptyObject,
		result: `{"type": "null"}`,
	},
	MethodRefreshChannels: {
		params: emptyObject,
		result: `{"type": "null"}`,
	},
	MethodCellStarted: {
		params: `{
			"type": "object",
			"properties": {
				"executionNum": {"type": "integer", "minimum": 0},
				"text": {"type": "string"}
			},
			"required": ["text"],
			"additionalProperties": false
		}`,
		result: `{
			"type": "object",
			"properties": {"executionNum": {"type": "integer"}},
			"required": ["executionNum"]
		}`,
	},
	MethodCellFinished: {
		params: `{
			"type": "object",
			"properties": {
				"state": {"enum": ["success", "error", "cancelled"]},
				"error": {"type": ["string", "null"]}
			},
			"required": ["state"],
			"additionalProperties": false
		}`,
		result: `{"type": "null"}`,
	},
}

// Schemas validates call payloads and results per method. Methods without a
// registered schema pass unchecked; the backend rejects unknown methods.
type Schemas struct {
	mu      sync.RWMutex
	params  map[string]*jsonschema.Schema
	results map[string]*jsonschema.Schema
}

var (
	defaultSchemas     *Schemas
	defaultSchemasOnce sync.Once
)

// DefaultSchemas returns the compiled schemas for the built-in methods.
// It panics if a built-in schema fails to compile.
func DefaultSchemas() *Schemas {
	defaultSchemasOnce.Do(func() {
		s := NewSchemas()
		for method, ms := range builtinSchemas {
			if err := s.Register(method, ms.params, ms.result); err != nil {
				panic(fmt.Sprintf("rpc: built-in schema for %s: %v", method, err))
			}
		}
		defaultSchemas = s
	})
	return defaultSchemas
}

// NewSchemas returns an empty schema set.
func NewSchemas() *Schemas {
	return &Schemas{
		params:  make(map[string]*jsonschema.Schema),
		results: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles and installs the params and result schemas for method.
// Either source may be empty.
func (s *Schemas) Register(method, params, result string) error {
	var ps, rs *jsonschema.Schema
	var err error
	if params != "" {
		if ps, err = compile(method+"/params", params); err != nil {
			return err
		}
	}
	if result != "" {
		if rs, err = compile(method+"/result", result); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps != nil {
		s.params[method] = ps
	}
	if rs != nil {
		s.results[method] = rs
	}
	return nil
}

// Known reports whether method has any registered schema.
func (s *Schemas) Known(method string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, p := s.params[method]
	_, r := s.results[method]
	return p || r
}

// ValidateParams checks a request payload. An empty payload is treated as {}.
func (s *Schemas) ValidateParams(method string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	s.mu.RLock()
	sch := s.params[method]
	s.mu.RUnlock()
	return validate(sch, payload)
}

// ValidateResult checks a response payload. An empty payload is treated as
// null.
func (s *Schemas) ValidateResult(method string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	s.mu.RLock()
	sch := s.results[method]
	s.mu.RUnlock()
	return validate(sch, payload)
}

func compile(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := "mem://lmk/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

func validate(sch *jsonschema.Schema, data []byte) error {
	if sch == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
