package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cexll/aidir/internal/table"
)

// Entity is the admin-facing name of an editable table
type Entity string

const (
	EntityTools      Entity = "tools"
	EntityCategories Entity = "categories"
	EntityTags       Entity = "tags"
	EntityUseCases   Entity = "use-cases"
	EntityArticles   Entity = "articles"
)

// Entities lists every editable entity in menu order
var Entities = []Entity{EntityTools, EntityCategories, EntityTags, EntityUseCases, EntityArticles}

// FieldKind controls how a field is edited and coerced
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldLongText FieldKind = "longtext"
	FieldNumber   FieldKind = "number"
	FieldCheckbox FieldKind = "checkbox"
	FieldLinks    FieldKind = "links"
)

type FieldSpec struct {
	Name string
	Kind FieldKind
}

var termSchema = []FieldSpec{
	{fieldName, FieldText},
	{fieldSlug, FieldText},
	{fieldDescription, FieldLongText},
	{fieldAliases, FieldLongText},
}

var schemas = map[Entity][]FieldSpec{
	EntityTools: {
		{fieldName, FieldText},
		{fieldSlug, FieldText},
		{fieldDescription, FieldLongText},
		{fieldWebsite, FieldText},
		{fieldGitHub, FieldText},
		{fieldPricing, FieldText},
		{fieldCategories, FieldLinks},
		{fieldTags, FieldLinks},
		{fieldUseCases, FieldLinks},
		{fieldCautions, FieldLongText},
		{fieldStars, FieldNumber},
		{fieldPublished, FieldCheckbox},
		{fieldFeatured, FieldCheckbox},
	},
	EntityCategories: termSchema,
	EntityTags:       termSchema,
	EntityUseCases:   termSchema,
	EntityArticles: {
		{fieldTitle, FieldText},
		{fieldSlug, FieldText},
		{fieldSummary, FieldLongText},
		{fieldBody, FieldLongText},
		{fieldTools, FieldLinks},
		{fieldStatus, FieldText},
		{fieldAuthor, FieldText},
		{fieldPublishedAt, FieldText},
	},
}

// ParseEntity validates an entity name from a URL
func ParseEntity(s string) (Entity, bool) {
	e := Entity(strings.ToLower(s))
	_, ok := schemas[e]
	return e, ok
}

// Schema returns the editable fields of e
func Schema(e Entity) []FieldSpec {
	return schemas[e]
}

// TitleField is the field shown in record lists
func TitleField(e Entity) string {
	if e == EntityArticles {
		return fieldTitle
	}
	return fieldName
}

// FieldsFromForm coerces raw form values into typed table fields. Only
// fields in the entity schema are kept; checkboxes missing from form are false.
func FieldsFromForm(e Entity, form map[string][]string) (table.Fields, error) {
	spec, ok := schemas[e]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", e)
	}
	out := table.Fields{}
	for _, fs := range spec {
		vals, present := form[fs.Name]
		raw := ""
		if len(vals) > 0 {
			raw = strings.TrimSpace(vals[0])
		}
		switch fs.Kind {
		case FieldCheckbox:
			out[fs.Name] = present && raw != "" && raw != "false" && raw != "off"
		case FieldNumber:
			if !present {
				continue
			}
			if raw == "" {
				out[fs.Name] = nil
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a number", fs.Name, raw)
			}
			out[fs.Name] = n
		case FieldLinks:
			if !present {
				continue
			}
			ids := []string{}
			for _, v := range vals {
				for _, id := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
					ids = append(ids, id)
				}
			}
			out[fs.Name] = ids
		default:
			if present {
				out[fs.Name] = raw
			}
		}
	}
	if e != EntityArticles {
		if s, _ := out[fieldSlug].(string); s == "" {
			if name, _ := out[fieldName].(string); name != "" {
				out[fieldSlug] = Slugify(name)
			}
		}
	} else if s, _ := out[fieldSlug].(string); s == "" {
		if title, _ := out[fieldTitle].(string); title != "" {
			out[fieldSlug] = Slugify(title)
		}
	}
	return out, nil
}

func (r *Repository) entityTable(e Entity) (string, error) {
	switch e {
	case EntityTools:
		return r.names.Tools, nil
	case EntityCategories:
		return r.names.Categories, nil
	case EntityTags:
		return r.names.Tags, nil
	case EntityUseCases:
		return r.names.UseCases, nil
	case EntityArticles:
		return r.names.Articles, nil
	}
	return "", fmt.Errorf("unknown entity %q", e)
}

// Records lists raw records of e sorted by their title field
func (r *Repository) Records(ctx context.Context, e Entity) ([]table.Record, error) {
	name, err := r.entityTable(e)
	if err != nil {
		return nil, err
	}
	recs, err := r.tables.List(ctx, name, table.ListOptions{Sort: []table.Sort{{Field: TitleField(e)}}})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e, err)
	}
	return recs, nil
}

// Record fetches one raw record
func (r *Repository) Record(ctx context.Context, e Entity, id string) (*table.Record, error) {
	name, err := r.entityTable(e)
	if err != nil {
		return nil, err
	}
	rec, err := r.tables.Get(ctx, name, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", e, id, err)
	}
	return rec, nil
}

// CreateRecord inserts a record and returns it
func (r *Repository) CreateRecord(ctx context.Context, e Entity, fields table.Fields) (*table.Record, error) {
	name, err := r.entityTable(e)
	if err != nil {
		return nil, err
	}
	recs, err := r.tables.Create(ctx, name, []table.Fields{fields})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", e, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("create %s: empty response", e)
	}
	return &recs[0], nil
}

// SaveRecord patches a record
func (r *Repository) SaveRecord(ctx context.Context, e Entity, id string, fields table.Fields) (*table.Record, error) {
	name, err := r.entityTable(e)
	if err != nil {
		return nil, err
	}
	recs, err := r.tables.Update(ctx, name, []table.Record{{ID: id, Fields: fields}})
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", e, id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("update %s %s: empty response", e, id)
	}
	return &recs[0], nil
}

// DeleteRecord removes a record
func (r *Repository) DeleteRecord(ctx context.Context, e Entity, id string) error {
	name, err := r.entityTable(e)
	if err != nil {
		return err
	}
	deleted, err := r.tables.Delete(ctx, name, []string{id})
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", e, id, err)
	}
	if len(deleted) == 0 {
		return fmt.Errorf("delete %s %s: %w", e, id, ErrNotFound)
	}
	return nil
}
