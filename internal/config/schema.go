package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// SchemaError lists the places where a configuration breaks the schema.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + strings.Join(e.Issues, "; ")
}

// checkSchema unifies cfg with the #Config definition. Durations are
// checked in their string form.
func checkSchema(cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	doc := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("compile config: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		se := &SchemaError{}
		for _, e := range cueerrors.Errors(err) {
			path := strings.Join(e.Path(), ".")
			format, args := e.Msg()
			se.Issues = append(se.Issues, fmt.Sprintf("%s: %s", path, fmt.Sprintf(format, args...)))
		}
		return se
	}
	return nil
}
