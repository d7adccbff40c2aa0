package admin

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/table"
)

type recordRow struct {
	ID    string
	Title string
}

type formField struct {
	Name    string
	Kind    catalog.FieldKind
	Value   string
	Checked bool
}

func (h *Handler) entity(w http.ResponseWriter, r *http.Request) (catalog.Entity, bool) {
	e, ok := catalog.ParseEntity(mux.Vars(r)["entity"])
	if !ok {
		h.render(w, r, http.StatusNotFound, "error.html", map[string]any{
			"Title":   "Unknown table",
			"Message": "There is no editable table with that name.",
		})
	}
	return e, ok
}

func (h *Handler) recordError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, table.ErrNotFound) || errors.Is(err, catalog.ErrNotFound) {
		h.render(w, r, http.StatusNotFound, "error.html", map[string]any{
			"Title":   "Record not found",
			"Message": "The record may have been deleted in the table service.",
		})
		return
	}
	h.serverError(w, r, err)
}

func (h *Handler) handleRecordList(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	recs, err := h.records.Records(r.Context(), e)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	titleField := catalog.TitleField(e)
	rows := make([]recordRow, 0, len(recs))
	for _, rec := range recs {
		title := rec.Fields.String(titleField)
		if title == "" {
			title = "(untitled)"
		}
		rows = append(rows, recordRow{ID: rec.ID, Title: title})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return strings.ToLower(rows[i].Title) < strings.ToLower(rows[j].Title)
	})
	h.render(w, r, http.StatusOK, "records.html", map[string]any{
		"Title":   entityLabel(e),
		"Entity":  e,
		"Records": rows,
		"Flash":   flash(r),
	})
}

// entityLabel turns "use-cases" into "Use cases"
func entityLabel(e catalog.Entity) string {
	s := strings.ReplaceAll(string(e), "-", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func flash(r *http.Request) string {
	switch r.URL.Query().Get("done") {
	case "saved":
		return "Record saved."
	case "created":
		return "Record created."
	case "deleted":
		return "Record deleted."
	}
	return ""
}

func formFields(e catalog.Entity, fields table.Fields) []formField {
	schema := catalog.Schema(e)
	out := make([]formField, len(schema))
	for i, fs := range schema {
		ff := formField{Name: fs.Name, Kind: fs.Kind}
		switch fs.Kind {
		case catalog.FieldCheckbox:
			ff.Checked, _ = fields[fs.Name].(bool)
		case catalog.FieldLinks:
			ff.Value = strings.Join(fields.Strings(fs.Name), ", ")
		default:
			ff.Value = fields.String(fs.Name)
		}
		out[i] = ff
	}
	return out
}

func (h *Handler) renderForm(w http.ResponseWriter, r *http.Request, status int, e catalog.Entity, id string, fields table.Fields, formErr string) {
	title := "New record"
	if id != "" {
		title = fields.String(catalog.TitleField(e))
		if title == "" {
			title = id
		}
	}
	h.render(w, r, status, "record.html", map[string]any{
		"Title":  title,
		"Entity": e,
		"ID":     id,
		"Fields": formFields(e, fields),
		"Error":  formErr,
	})
}

func (h *Handler) handleRecordNew(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	h.renderForm(w, r, http.StatusOK, e, "", table.Fields{}, "")
}

func (h *Handler) handleRecordEdit(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	rec, err := h.records.Record(r.Context(), e, mux.Vars(r)["id"])
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	h.renderForm(w, r, http.StatusOK, e, rec.ID, rec.Fields, "")
}

// submittedFields parses the posted form. On a coercion error the form is
// re-rendered with the submitted text and ok is false.
func (h *Handler) submittedFields(w http.ResponseWriter, r *http.Request, e catalog.Entity, id string) (table.Fields, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return nil, false
	}
	fields, err := catalog.FieldsFromForm(e, r.PostForm)
	if err != nil {
		raw := table.Fields{}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				raw[k] = v[0]
			}
		}
		h.renderForm(w, r, http.StatusBadRequest, e, id, raw, err.Error())
		return nil, false
	}
	return fields, true
}

func (h *Handler) handleRecordCreate(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	fields, ok := h.submittedFields(w, r, e, "")
	if !ok {
		return
	}
	rec, err := h.records.CreateRecord(r.Context(), e, fields)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.logger.Info("record created", zap.String("entity", string(e)), zap.String("id", rec.ID))
	h.reindex()
	http.Redirect(w, r, "/admin/records/"+string(e)+"?done=created", http.StatusSeeOther)
}

func (h *Handler) handleRecordSave(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	fields, ok := h.submittedFields(w, r, e, id)
	if !ok {
		return
	}
	if _, err := h.records.SaveRecord(r.Context(), e, id, fields); err != nil {
		h.recordError(w, r, err)
		return
	}
	h.logger.Info("record saved", zap.String("entity", string(e)), zap.String("id", id))
	h.reindex()
	http.Redirect(w, r, "/admin/records/"+string(e)+"?done=saved", http.StatusSeeOther)
}

func (h *Handler) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	e, ok := h.entity(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.records.DeleteRecord(r.Context(), e, id); err != nil {
		h.recordError(w, r, err)
		return
	}
	h.logger.Info("record deleted", zap.String("entity", string(e)), zap.String("id", id))
	h.reindex()
	http.Redirect(w, r, "/admin/records/"+string(e)+"?done=deleted", http.StatusSeeOther)
}
