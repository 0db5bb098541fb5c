package pollqueue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/domonda/go-errs"
	fs "github.com/ungerik/go-fs"
	"gopkg.in/yaml.v3"

	"github.com/domonda/go-pollqueue/validate"
)

// definitionFile is the format of the files loaded by RegisterDirectory.
type definitionFile struct {
	Name      string `json:"name"      yaml:"name"`
	Handler   string `json:"handler"   yaml:"handler"` // Key of the handler, defaults to Name
	Priority  int64  `json:"priority"  yaml:"priority"`
	Autoretry bool   `json:"autoretry" yaml:"autoretry"`
	Timeout   string `json:"timeout"   yaml:"timeout"` // Parsed with time.ParseDuration
	Schema    any    `json:"schema"    yaml:"schema"`  // JSON Schema of the payload
	Rule      string `json:"rule"      yaml:"rule"`    // CEL expression over payload
}

// RegisterDirectory registers a Definition for every
// *.json, *.yaml, and *.yml file in dir.
//
// Every file declares the name, priority, autoretry,
// timeout, and optional schema and rule of a job.
// The handler of the job is looked up in handlers by the
// handler property of the file, or by the name if there is none.
//
// Returns ErrPathNotFound if dir does not exist
// and ErrInvalidDefinition if any file is invalid,
// in which case no definition is registered.
func (q *Queue) RegisterDirectory(ctx context.Context, dir string, handlers map[string]Handler) (err error) {
	defer errs.WrapWithFuncParams(&err, ctx, dir)

	d := fs.File(dir)
	if !d.IsDir() {
		return errs.Errorf("%w: %s", ErrPathNotFound, dir)
	}

	var defs []*Definition
	err = d.ListDir(
		func(file fs.File) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if file.IsDir() {
				return nil
			}
			def, err := loadDefinitionFile(file, handlers)
			if err != nil {
				return errs.Errorf("%w: file %s: %w", ErrInvalidDefinition, file.Name(), err)
			}
			defs = append(defs, def)
			return nil
		},
		"*.json", "*.yaml", "*.yml",
	)
	if err != nil {
		return err
	}

	for _, def := range defs {
		err = def.validate()
		if err != nil {
			return err
		}
	}
	for _, def := range defs {
		err = q.Register(def)
		if err != nil {
			return err
		}
	}
	log.Info("Registered job definitions from directory").
		Str("dir", dir).
		Int("numDefinitions", len(defs)).
		Log()
	return nil
}

func loadDefinitionFile(file fs.File, handlers map[string]Handler) (*Definition, error) {
	data, err := file.ReadAll()
	if err != nil {
		return nil, err
	}

	var f definitionFile
	if strings.EqualFold(file.Ext(), ".json") {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Name:      f.Name,
		Priority:  f.Priority,
		Autoretry: f.Autoretry,
	}
	if f.Timeout != "" {
		def.Timeout, err = time.ParseDuration(f.Timeout)
		if err != nil {
			return nil, err
		}
	}

	handlerKey := f.Handler
	if handlerKey == "" {
		handlerKey = f.Name
	}
	def.Handler = handlers[handlerKey]
	if def.Handler == nil {
		return nil, errs.Errorf("no handler %q for job %q", handlerKey, f.Name)
	}

	var validators validate.All
	if f.Schema != nil {
		schemaJSON, err := json.Marshal(f.Schema)
		if err != nil {
			return nil, err
		}
		schema, err := validate.NewJSONSchema(schemaJSON)
		if err != nil {
			return nil, err
		}
		validators = append(validators, schema)
	}
	if f.Rule != "" {
		rule, err := validate.NewCEL(f.Rule)
		if err != nil {
			return nil, err
		}
		validators = append(validators, rule)
	}
	switch len(validators) {
	case 0:
	case 1:
		def.Schema = validators[0]
	default:
		def.Schema = validators
	}
	return def, nil
}
