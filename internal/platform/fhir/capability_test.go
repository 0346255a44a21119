package fhir

import (
	"encoding/json"
	"testing"
)

func TestCapabilityBuilder_AddResource(t *testing.T) {
	b := NewCapabilityBuilder("http://localhost:8000/fhir", "0.1.0")
	b.AddResource(CSResource{
		Type:        "Patient",
		Interaction: []CSInteraction{{Code: "read"}, {Code: "create"}},
		SearchParam: []CSSearchParam{{Name: "name", Type: "string"}},
	})

	if b.ResourceCount() != 1 {
		t.Fatalf("expected 1 resource, got %d", b.ResourceCount())
	}

	cs := b.Build()
	if cs.ResourceType != "CapabilityStatement" {
		t.Errorf("expected CapabilityStatement, got %s", cs.ResourceType)
	}
	if cs.FHIRVersion != "4.0.1" {
		t.Errorf("expected fhirVersion 4.0.1, got %s", cs.FHIRVersion)
	}
	if cs.Kind != "instance" {
		t.Errorf("expected kind instance, got %s", cs.Kind)
	}
	if len(cs.Rest) != 1 || cs.Rest[0].Mode != "server" {
		t.Fatalf("expected one server rest entry, got %+v", cs.Rest)
	}
	if got := cs.Rest[0].Resource[0].SearchParam[0].Name; got != "name" {
		t.Errorf("expected search param name, got %s", got)
	}
}

func TestCapabilityBuilder_ReplacesResource(t *testing.T) {
	b := NewCapabilityBuilder("", "0.1.0")
	b.AddResource(CSResource{Type: "Patient"})
	b.AddResource(CSResource{Type: "Observation"})
	b.AddResource(CSResource{Type: "Patient", ReadHistory: true})

	cs := b.Build()
	res := cs.Rest[0].Resource
	if len(res) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(res))
	}
	if res[0].Type != "Patient" || !res[0].ReadHistory {
		t.Errorf("expected replaced Patient first, got %+v", res[0])
	}
}

func TestCapabilityBuilder_SystemAndOperations(t *testing.T) {
	b := NewCapabilityBuilder("", "0.1.0")
	b.SetSystemInteractions("transaction", "batch")
	b.AddOperation("everything", "http://hl7.org/fhir/OperationDefinition/Patient-everything")

	rest := b.Build().Rest[0]
	if len(rest.Interaction) != 2 || rest.Interaction[0].Code != "transaction" {
		t.Errorf("unexpected system interactions %+v", rest.Interaction)
	}
	if len(rest.Operation) != 1 || rest.Operation[0].Name != "everything" {
		t.Errorf("unexpected operations %+v", rest.Operation)
	}
}

func TestCapabilityBuilder_JSONSerialization(t *testing.T) {
	b := NewCapabilityBuilder("", "0.1.0")
	b.AddResource(CSResource{Type: "Patient", UpdateCreate: true})

	data, err := json.Marshal(b.Build())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rest := m["rest"].([]any)[0].(map[string]any)
	res := rest["resource"].([]any)[0].(map[string]any)
	if res["updateCreate"] != true {
		t.Errorf("expected updateCreate true, got %v", res["updateCreate"])
	}
}

func TestCapabilityBuilder_EmptyBuild(t *testing.T) {
	cs := NewCapabilityBuilder("", "0.1.0").Build()
	if len(cs.Rest[0].Resource) != 0 {
		t.Errorf("expected no resources, got %d", len(cs.Rest[0].Resource))
	}
}
