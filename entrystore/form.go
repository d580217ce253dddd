package entrystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/masa23/formd/model"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Definition is a decoded form: its schema and settings laid over the defaults.
type Definition struct {
	ID       uint64
	Name     string
	Schema   model.FormSchema
	Settings model.FormSettings
}

type FormStore struct {
	db         *gorm.DB
	adminEmail string
}

// NewFormStore returns a schema store. adminEmail is the default primary recipient.
func NewFormStore(db *gorm.DB, adminEmail string) *FormStore {
	return &FormStore{db: db, adminEmail: adminEmail}
}

func (s *FormStore) Get(ctx context.Context, formID uint64) (*Definition, error) {
	var form model.Form
	if err := s.db.WithContext(ctx).First(&form, formID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("form %d: %w", formID, ErrNotFound)
		}
		return nil, err
	}

	def := &Definition{
		ID:       form.ID,
		Name:     form.Name,
		Schema:   model.DefaultSchema(),
		Settings: model.DefaultSettings(s.adminEmail),
	}
	if strings.TrimSpace(form.Schema) != "" {
		var schema model.FormSchema
		if err := json.Unmarshal([]byte(form.Schema), &schema); err != nil {
			return nil, fmt.Errorf("form %d: invalid schema: %w", formID, err)
		}
		if schema = schema.Normalize(); len(schema.Fields) > 0 {
			def.Schema = schema
		}
	}
	if strings.TrimSpace(form.Settings) != "" {
		if err := json.Unmarshal([]byte(form.Settings), &def.Settings); err != nil {
			return nil, fmt.Errorf("form %d: invalid settings: %w", formID, err)
		}
	}
	if def.Name == "" {
		def.Name = fmt.Sprintf("Form %d", form.ID)
	}
	return def, nil
}

// Lookup is Get, except that a form that was never stored gets the default definition.
func (s *FormStore) Lookup(ctx context.Context, formID uint64) (*Definition, error) {
	def, err := s.Get(ctx, formID)
	if errors.Is(err, ErrNotFound) {
		return &Definition{
			ID:       formID,
			Name:     fmt.Sprintf("Form %d", formID),
			Schema:   model.DefaultSchema(),
			Settings: model.DefaultSettings(s.adminEmail),
		}, nil
	}
	return def, err
}

func (s *FormStore) GetSchema(ctx context.Context, formID uint64) (model.FormSchema, error) {
	def, err := s.Get(ctx, formID)
	if err != nil {
		return model.FormSchema{}, err
	}
	return def.Schema, nil
}

func (s *FormStore) GetSettings(ctx context.Context, formID uint64) (model.FormSettings, error) {
	def, err := s.Get(ctx, formID)
	if err != nil {
		return model.FormSettings{}, err
	}
	return def.Settings, nil
}

func (s *FormStore) FormName(ctx context.Context, formID uint64) (string, error) {
	def, err := s.Get(ctx, formID)
	if err != nil {
		return "", err
	}
	return def.Name, nil
}

// Upsert stores the form. Schema and settings are re-encoded as JSON.
func (s *FormStore) Upsert(ctx context.Context, id uint64, name string, schema model.FormSchema, settings any) error {
	sc, err := json.Marshal(schema.Normalize())
	if err != nil {
		return err
	}
	st := []byte("{}")
	if settings != nil {
		if st, err = json.Marshal(settings); err != nil {
			return err
		}
	}

	db := s.db.WithContext(ctx)
	var form model.Form
	if err := db.First(&form, id).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		form.ID = id
	}
	form.Name, form.Schema, form.Settings = name, string(sc), string(st)
	return db.Save(&form).Error
}

type seedForm struct {
	ID       uint64         `yaml:"ID"`
	Name     string         `yaml:"Name"`
	Schema   any            `yaml:"Schema"`
	Settings map[string]any `yaml:"Settings"`
}

// Seed upserts the forms listed in a YAML file.
func (s *FormStore) Seed(ctx context.Context, path string) (int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var forms []seedForm
	if err := yaml.Unmarshal(buf, &forms); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	for i, f := range forms {
		if f.ID == 0 {
			return i, fmt.Errorf("%s: form #%d has no ID", path, i+1)
		}
		var schema model.FormSchema
		if f.Schema != nil {
			raw, err := json.Marshal(f.Schema)
			if err != nil {
				return i, err
			}
			if err := json.Unmarshal(raw, &schema); err != nil {
				return i, fmt.Errorf("form %d: invalid schema: %w", f.ID, err)
			}
		}
		var settings any
		if f.Settings != nil {
			settings = f.Settings
		}
		if err := s.Upsert(ctx, f.ID, f.Name, schema, settings); err != nil {
			return i, fmt.Errorf("form %d: %w", f.ID, err)
		}
	}
	return len(forms), nil
}
