package api

import (
	"net/http"
	"reflect"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"proximity-server/protocol"
)

// SchemaHandler serves JSON schemas of the inbound websocket payloads.
type SchemaHandler struct {
	schemas map[string]*jsonschema.Schema
	names   []string
}

func NewSchemaHandler() *SchemaHandler {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	h := &SchemaHandler{schemas: make(map[string]*jsonschema.Schema)}
	for name, payload := range protocol.Inbound() {
		schema := reflector.ReflectFromType(reflect.TypeOf(payload))
		schema.Title = name
		h.schemas[name] = schema
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)
	return h
}

// Routes registers schema routes.
func (h *SchemaHandler) Routes(r chi.Router) {
	r.Get("/schema", h.List)
	r.Get("/schema/{message}", h.Get)
}

// List GET /schema
func (h *SchemaHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiListResponse[string]{Items: h.names, TotalItems: len(h.names)})
}

// Get GET /schema/{message}
func (h *SchemaHandler) Get(w http.ResponseWriter, r *http.Request) {
	schema, ok := h.schemas[chi.URLParam(r, "message")]
	if !ok {
		errorJSON(w, http.StatusNotFound, "unknown message type")
		return
	}
	writeJSON(w, http.StatusOK, schema)
}
