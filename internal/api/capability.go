package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/compartment"
	"github.com/ehr/fhirengine/internal/platform/fhir"
)

var instanceInteractions = []string{
	"read", "vread", "update", "delete", "history-instance", "create", "search-type",
}

// Metadata handles GET /fhir/metadata.
func (h *Handler) Metadata(c echo.Context) error {
	b := capabilities(h.cat, h.baseURL(c), h.opts.Version, h.store.UpdateCreate())
	return writeJSON(c, http.StatusOK, b.Build())
}

// capabilities describes every catalog type, its search parameters and the
// includes its reference parameters allow.
func capabilities(cat *catalog.Catalog, baseURL, version string, updateCreate bool) *fhir.CapabilityBuilder {
	b := fhir.NewCapabilityBuilder(baseURL, version)
	types := cat.ResourceTypes()

	revIncludes := map[string][]string{}
	for _, src := range types {
		for _, def := range cat.Params(src) {
			if def.Type != catalog.Reference {
				continue
			}
			for _, target := range types {
				if def.AllowsTarget(target) {
					revIncludes[target] = append(revIncludes[target], src+":"+def.Name)
				}
			}
		}
	}

	for _, rt := range types {
		r := fhir.CSResource{
			Type:             rt,
			Versioning:       "versioned",
			ReadHistory:      true,
			UpdateCreate:     updateCreate,
			SearchRevInclude: revIncludes[rt],
		}
		for _, code := range instanceInteractions {
			r.Interaction = append(r.Interaction, fhir.CSInteraction{Code: code})
		}
		for _, def := range cat.Params(rt) {
			r.SearchParam = append(r.SearchParam, fhir.CSSearchParam{Name: def.Name, Type: string(def.Type)})
			if def.Type == catalog.Reference {
				r.SearchInclude = append(r.SearchInclude, rt+":"+def.Name)
			}
		}
		b.AddResource(r)
	}
	if cat.Supports(compartment.PatientType) {
		b.AddOperation("everything", "http://hl7.org/fhir/OperationDefinition/Patient-everything")
	}
	b.SetSystemInteractions("transaction", "batch")
	return b
}
