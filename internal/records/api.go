package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/config"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

// Verb is one record API operation for ACL purposes.
type Verb string

const (
	VerbList      Verb = "list"
	VerbRead      Verb = "read"
	VerbCreate    Verb = "create"
	VerbUpdate    Verb = "update"
	VerbDelete    Verb = "delete"
	VerbSubscribe Verb = "subscribe"
)

// ExpandTarget is one resolved expansion: the foreign table a local
// foreign-key column points at.
type ExpandTarget struct {
	LocalColumn string
	ForeignPK   string
	Meta        *schema.TableMetadata
}

func (e *ExpandTarget) alias() string {
	return qident("_EXPAND_" + e.LocalColumn + "_")
}

// RecordAPI is one compiled table exposure. Immutable once compiled; the
// registry replaces the whole value on config or schema change.
type RecordAPI struct {
	Name    string
	Table   string
	Columns []schema.ColumnMetadata
	PKIndex int

	ReadRule   string
	CreateRule string
	UpdateRule string
	DeleteRule string

	ExpandTargets map[string]ExpandTarget

	aclWorld         map[Verb]bool
	aclAuthenticated map[Verb]bool

	bodySchema *jsonschema.Schema
}

func (a *RecordAPI) ColumnIndex(name string) int {
	for i, c := range a.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (a *RecordAPI) PKColumn() schema.ColumnMetadata {
	if a.PKIndex >= 0 {
		return a.Columns[a.PKIndex]
	}
	return a.Columns[0]
}

// CheckTableAccess enforces the table-level ACL for the verb. Anonymous
// requests check the world audience; authenticated ones either audience.
func (a *RecordAPI) CheckTableAccess(verb Verb, user *auth.User) error {
	if a.aclWorld[verb] {
		return nil
	}
	if user != nil && a.aclAuthenticated[verb] {
		return nil
	}
	return ErrForbidden()
}

func (a *RecordAPI) accessRule(verb Verb) string {
	switch verb {
	case VerbCreate:
		return a.CreateRule
	case VerbUpdate:
		return a.UpdateRule
	case VerbDelete:
		return a.DeleteRule
	default:
		return a.ReadRule
	}
}

// ValidateBody checks a create/update body against the API's JSON schema
// built from column metadata.
func (a *RecordAPI) ValidateBody(body map[string]any) error {
	if a.bodySchema == nil {
		return nil
	}
	if err := a.bodySchema.Validate(normalizeForSchema(body)); err != nil {
		return BadRequest("Invalid record")
	}
	return nil
}

// normalizeForSchema maps decoded values onto the plain JSON shapes the
// validator expects (json.Number arrives from UseNumber decoders).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// Registry holds the compiled record APIs for the current config snapshot
// and recompiles on snapshot swap.
type Registry struct {
	cache *schema.Cache

	mu   sync.RWMutex
	apis map[string]*RecordAPI
}

// NewRegistry compiles the APIs of the store's current snapshot and
// re-compiles whenever the snapshot is swapped.
func NewRegistry(store *config.Store, cache *schema.Cache) *Registry {
	r := &Registry{cache: cache}
	r.recompile(store.Get())
	store.OnSwap(r.recompile)
	return r
}

// Lookup resolves an API by name against the latest compiled snapshot.
func (r *Registry) Lookup(name string) (*RecordAPI, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	api, ok := r.apis[name]
	return api, ok
}

// Names returns the names of all compiled APIs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apis))
	for name := range r.apis {
		names = append(names, name)
	}
	return names
}

func (r *Registry) recompile(cfg *config.Config) {
	apis := make(map[string]*RecordAPI, len(cfg.Records))
	for _, rc := range cfg.Records {
		api, err := compileAPI(r.cache, &rc)
		if err != nil {
			log.Error().Err(err).Str("api", rc.Name).Str("table", rc.Table).Msg("Skipping record API")
			continue
		}
		apis[rc.Name] = api
	}

	r.mu.Lock()
	r.apis = apis
	r.mu.Unlock()
	log.Debug().Int("count", len(apis)).Msg("Record APIs compiled")
}

func compileAPI(cache *schema.Cache, rc *config.RecordAPIConfig) (*RecordAPI, error) {
	meta, ok := cache.Get(context.Background(), rc.Table)
	if !ok {
		return nil, fmt.Errorf("table %q not found", rc.Table)
	}

	api := &RecordAPI{
		Name:             rc.Name,
		Table:            rc.Table,
		Columns:          meta.Columns,
		PKIndex:          meta.PKIndex,
		ReadRule:         rc.ReadAccessRule,
		CreateRule:       rc.CreateAccessRule,
		UpdateRule:       rc.UpdateAccessRule,
		DeleteRule:       rc.DeleteAccessRule,
		ExpandTargets:    make(map[string]ExpandTarget, len(rc.Expand)),
		aclWorld:         verbSet(rc.ACLWorld),
		aclAuthenticated: verbSet(rc.ACLAuthenticated),
	}

	for _, col := range rc.Expand {
		fk, found := meta.ForeignKeyFor(col)
		if !found {
			return nil, fmt.Errorf("expand column %q has no foreign key", col)
		}
		fmeta, ok := cache.Get(context.Background(), fk.ForeignTable)
		if !ok {
			return nil, fmt.Errorf("expand target table %q not found", fk.ForeignTable)
		}
		foreignPK := fk.ForeignColumn
		if foreignPK == "" {
			foreignPK = fmeta.PKColumn().Name
		}
		api.ExpandTargets[col] = ExpandTarget{
			LocalColumn: col,
			ForeignPK:   foreignPK,
			Meta:        fmeta,
		}
	}

	schemaDoc, err := bodySchemaFor(meta)
	if err != nil {
		return nil, err
	}
	api.bodySchema = schemaDoc

	return api, nil
}

func verbSet(verbs []string) map[Verb]bool {
	set := make(map[Verb]bool, len(verbs))
	for _, v := range verbs {
		set[Verb(strings.ToLower(strings.TrimSpace(v)))] = true
	}
	return set
}

// bodySchemaFor assembles the JSON schema validating create/update bodies:
// one property per writable column typed from its declared SQLite type,
// additional properties rejected.
func bodySchemaFor(meta *schema.TableMetadata) (*jsonschema.Schema, error) {
	properties := map[string]any{}
	for _, col := range meta.Columns {
		if !projectableColumn(col.Name) {
			continue
		}
		var types []string
		switch col.DeclType {
		case sqlite.TypeInteger:
			types = []string{"integer", "boolean"}
		case sqlite.TypeReal:
			types = []string{"number"}
		default:
			// Text and blob columns both arrive as strings; blobs base64url.
			types = []string{"string"}
		}
		if !col.NotNull {
			types = append(types, "null")
		}
		properties[col.Name] = map[string]any{"type": types}
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString(meta.Name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile body schema: %w", err)
	}
	return compiled, nil
}
