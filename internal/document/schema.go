package document

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/texel/promptstore/pkg/contracts"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	promptSchema  = mustCompile("prompt.json")
	indexSchema   = mustCompile("index.json")
	catalogSchema = mustCompile("catalog.json")
)

// mustCompile compiles an embedded schema. The schemas ship with the binary,
// so a failure here is a build defect.
func mustCompile(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("load schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// checkSchema validates v and returns one FieldError per failing leaf.
func checkSchema(schema *jsonschema.Schema, v any) []contracts.FieldError {
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []contracts.FieldError{{Field: "$", Message: err.Error()}}
	}
	var out []contracts.FieldError
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]contracts.FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, contracts.FieldError{
			Field:   fieldPath(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// fieldPath turns a JSON pointer like /clients/0/code into clients[0].code.
func fieldPath(pointer string) string {
	if pointer == "" || pointer == "/" {
		return "$"
	}
	var b strings.Builder
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		if isIndex(tok) {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func isIndex(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
