package catalog

// TermKind names one of the three taxonomies
type TermKind string

const (
	KindCategory TermKind = "categories"
	KindTag      TermKind = "tags"
	KindUseCase  TermKind = "use-cases"
)

// Taxonomy is a snapshot of every canonical term
type Taxonomy struct {
	Categories []Term
	Tags       []Term
	UseCases   []Term
}

// Terms returns the list for kind
func (t *Taxonomy) Terms(kind TermKind) []Term {
	switch kind {
	case KindCategory:
		return t.Categories
	case KindTag:
		return t.Tags
	case KindUseCase:
		return t.UseCases
	}
	return nil
}

// NamesOf resolves record ids to display names, skipping unknown ids
func (t *Taxonomy) NamesOf(kind TermKind, ids []string) []string {
	byID := make(map[string]string, len(ids))
	for _, term := range t.Terms(kind) {
		byID[term.ID] = term.Name
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Resolve returns the terms behind ids, skipping unknown ids
func (t *Taxonomy) Resolve(kind TermKind, ids []string) []Term {
	byID := make(map[string]Term)
	for _, term := range t.Terms(kind) {
		byID[term.ID] = term
	}
	out := make([]Term, 0, len(ids))
	for _, id := range ids {
		if term, ok := byID[id]; ok {
			out = append(out, term)
		}
	}
	return out
}
