package fhir

import "time"

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode        string          `json:"mode"`
	Resource    []CSResource    `json:"resource"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
	Operation   []CSOperation   `json:"operation,omitempty"`
}

type CSResource struct {
	Type              string          `json:"type"`
	Interaction       []CSInteraction `json:"interaction"`
	SearchParam       []CSSearchParam `json:"searchParam,omitempty"`
	SearchInclude     []string        `json:"searchInclude,omitempty"`
	SearchRevInclude  []string        `json:"searchRevInclude,omitempty"`
	Versioning        string          `json:"versioning,omitempty"`
	ReadHistory       bool            `json:"readHistory"`
	UpdateCreate      bool            `json:"updateCreate"`
	ConditionalCreate bool            `json:"conditionalCreate"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

type CSOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// CapabilityBuilder assembles a CapabilityStatement. Resources are emitted
// in the order they were added; re-adding a type replaces it.
type CapabilityBuilder struct {
	baseURL    string
	version    string
	resources  []CSResource
	index      map[string]int
	operations []CSOperation
	system     []CSInteraction
}

func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{baseURL: baseURL, version: version, index: map[string]int{}}
}

// AddResource registers or replaces the capabilities of one resource type.
func (b *CapabilityBuilder) AddResource(r CSResource) {
	if i, ok := b.index[r.Type]; ok {
		b.resources[i] = r
		return
	}
	b.index[r.Type] = len(b.resources)
	b.resources = append(b.resources, r)
}

func (b *CapabilityBuilder) AddOperation(name, definition string) {
	b.operations = append(b.operations, CSOperation{Name: name, Definition: definition})
}

// SetSystemInteractions sets the whole-system interactions, such as
// "transaction" and "batch".
func (b *CapabilityBuilder) SetSystemInteractions(codes ...string) {
	b.system = b.system[:0]
	for _, c := range codes {
		b.system = append(b.system, CSInteraction{Code: c})
	}
}

func (b *CapabilityBuilder) ResourceCount() int { return len(b.resources) }

// Build returns a statement dated now. The builder may keep being used.
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	resources := make([]CSResource, len(b.resources))
	copy(resources, b.resources)
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format(time.RFC3339),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json", "application/fhir+json"},
		Implementation: &CSImplementation{
			Description: "FHIR resource store " + b.version,
			URL:         b.baseURL,
		},
		Rest: []CSRest{{
			Mode:        "server",
			Resource:    resources,
			Interaction: append([]CSInteraction(nil), b.system...),
			Operation:   append([]CSOperation(nil), b.operations...),
		}},
	}
}
