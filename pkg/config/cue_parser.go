package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Parser loads and validates CUE configuration files.
type Parser struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewParser creates a parser with the embedded #Config schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return &Parser{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Config")),
		validate: validator.New(),
	}, nil
}

// Load reads and validates a single configuration file.
func Load(path string) (*Config, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	return p.LoadFile(path)
}

// LoadFile loads a configuration file. A missing file yields the defaults.
func (p *Parser) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return p.LoadBytes(data, path)
}

// LoadBytes parses CUE source, unifies it with the #Config schema and
// decodes it over the defaults.
func (p *Parser) LoadBytes(data []byte, filename string) (*Config, error) {
	val := p.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, convertCUEErrors(err)
	}

	cfg := Default()
	if err := unified.Decode(cfg); err != nil {
		return nil, convertCUEErrors(err)
	}

	if err := p.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidationError is one configuration problem with source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// ValidationErrors aggregates every problem found in one file.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// convertCUEErrors flattens a CUE error into position-carrying entries.
func convertCUEErrors(err error) error {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return err
	}
	return out
}
