// Package tabletest provides an in-memory stand-in for the table service.
package tabletest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cexll/aidir/internal/table"
)

var (
	eqFormula     = regexp.MustCompile(`^\{([^}]+)\}\s*=\s*'((?:[^'\\]|\\.)*)'$`)
	truthyFormula = regexp.MustCompile(`^\{([^}]+)\}$`)
)

// Fake is an in-memory table service. Filters support `{Field} = 'value'` and `{Field}`;
// any other formula matches every record.
type Fake struct {
	mu      sync.Mutex
	tables  map[string][]table.Record
	nextID  int
	updates map[string][]table.Record

	// FailUpdate, when set, is consulted before each updated record is applied
	FailUpdate func(tableName string, rec table.Record) error
}

// New returns an empty fake
func New() *Fake {
	return &Fake{
		tables:  make(map[string][]table.Record),
		updates: make(map[string][]table.Record),
	}
}

// Seed inserts records as-is; records without an id get one assigned
func (f *Fake) Seed(tableName string, records ...table.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			r.ID = f.newID()
		}
		r.Fields = cloneFields(r.Fields)
		f.tables[tableName] = append(f.tables[tableName], r)
	}
}

// Updates returns every record passed to Update for tableName, in call order
func (f *Fake) Updates(tableName string) []table.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]table.Record(nil), f.updates[tableName]...)
}

// Records returns the current contents of tableName
func (f *Fake) Records(tableName string) []table.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]table.Record, 0, len(f.tables[tableName]))
	for _, r := range f.tables[tableName] {
		out = append(out, table.Record{ID: r.ID, Fields: cloneFields(r.Fields)})
	}
	return out
}

// List implements the table client contract
func (f *Fake) List(ctx context.Context, tableName string, opts table.ListOptions) ([]table.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []table.Record
	for _, r := range f.tables[tableName] {
		if matches(opts.Filter, r) {
			out = append(out, table.Record{ID: r.ID, Fields: cloneFields(r.Fields)})
		}
	}
	for i := len(opts.Sort) - 1; i >= 0; i-- {
		s := opts.Sort[i]
		sort.SliceStable(out, func(a, b int) bool {
			x, y := out[a].Fields.String(s.Field), out[b].Fields.String(s.Field)
			if strings.EqualFold(s.Direction, "desc") {
				return x > y
			}
			return x < y
		})
	}
	if opts.MaxRecords > 0 && len(out) > opts.MaxRecords {
		out = out[:opts.MaxRecords]
	}
	return out, nil
}

// Get implements the table client contract
func (f *Fake) Get(ctx context.Context, tableName, id string) (*table.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.tables[tableName] {
		if r.ID == id {
			return &table.Record{ID: r.ID, Fields: cloneFields(r.Fields)}, nil
		}
	}
	return nil, fmt.Errorf("get %s/%s: %w", tableName, id, table.ErrNotFound)
}

// Create implements the table client contract
func (f *Fake) Create(ctx context.Context, tableName string, fields []table.Fields) ([]table.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]table.Record, 0, len(fields))
	for _, fl := range fields {
		r := table.Record{ID: f.newID(), Fields: cloneFields(fl)}
		f.tables[tableName] = append(f.tables[tableName], r)
		out = append(out, table.Record{ID: r.ID, Fields: cloneFields(fl)})
	}
	return out, nil
}

// Update implements the table client contract
func (f *Fake) Update(ctx context.Context, tableName string, records []table.Record) ([]table.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]table.Record, 0, len(records))
	for _, upd := range records {
		if f.FailUpdate != nil {
			if err := f.FailUpdate(tableName, upd); err != nil {
				return out, err
			}
		}
		found := false
		for i, r := range f.tables[tableName] {
			if r.ID != upd.ID {
				continue
			}
			for k, v := range upd.Fields {
				r.Fields[k] = v
			}
			f.tables[tableName][i] = r
			out = append(out, table.Record{ID: r.ID, Fields: cloneFields(r.Fields)})
			found = true
			break
		}
		if !found {
			return out, fmt.Errorf("update %s/%s: %w", tableName, upd.ID, table.ErrNotFound)
		}
		f.updates[tableName] = append(f.updates[tableName], table.Record{ID: upd.ID, Fields: cloneFields(upd.Fields)})
	}
	return out, nil
}

// Delete implements the table client contract
func (f *Fake) Delete(ctx context.Context, tableName string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []table.Record
	var deleted []string
	for _, r := range f.tables[tableName] {
		if drop[r.ID] {
			deleted = append(deleted, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	f.tables[tableName] = kept
	return deleted, nil
}

func (f *Fake) newID() string {
	f.nextID++
	return fmt.Sprintf("rec%04d", f.nextID)
}

func matches(formula string, r table.Record) bool {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		return true
	}
	if m := eqFormula.FindStringSubmatch(formula); m != nil {
		want := strings.ReplaceAll(m[2], `\'`, `'`)
		return r.Fields.String(m[1]) == want
	}
	if m := truthyFormula.FindStringSubmatch(formula); m != nil {
		v, ok := r.Fields[m[1]]
		if !ok || v == nil {
			return false
		}
		switch tv := v.(type) {
		case bool:
			return tv
		case string:
			return tv != ""
		default:
			return true
		}
	}
	return true
}

func cloneFields(in table.Fields) table.Fields {
	out := make(table.Fields, len(in))
	for k, v := range in {
		if s, ok := v.([]string); ok {
			v = append([]string{}, s...)
		}
		out[k] = v
	}
	return out
}
