package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, "bad input")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != IssueSeverityError || oo.Issue[0].Code != IssueTypeInvalid {
		t.Errorf("unexpected issue %+v", oo.Issue[0])
	}
	if oo.Issue[0].Diagnostics != "bad input" {
		t.Errorf("unexpected diagnostics: %s", oo.Issue[0].Diagnostics)
	}
}

func TestDeletedOutcome(t *testing.T) {
	oo := DeletedOutcome("Patient", "456", 3)

	if oo.Issue[0].Severity != IssueSeverityInformation {
		t.Errorf("expected severity %s, got %s", IssueSeverityInformation, oo.Issue[0].Severity)
	}
	if oo.Issue[0].Code != IssueTypeInformational {
		t.Errorf("expected code %s, got %s", IssueTypeInformational, oo.Issue[0].Code)
	}
	if oo.Issue[0].Diagnostics != "deleted Patient/456 (version 3)" {
		t.Errorf("unexpected diagnostics: %s", oo.Issue[0].Diagnostics)
	}
}

func TestOutcomeBuilder_Locations(t *testing.T) {
	oo := NewOutcomeBuilder().
		AddIssueWithLocation(IssueSeverityError, IssueTypeProcessing, "first", "Bundle.entry[0]").
		AddIssueWithLocation(IssueSeverityWarning, IssueTypeValue, "second", "Bundle.entry[2]").
		Build()

	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(oo.Issue))
	}
	if oo.Issue[1].Expression[0] != "Bundle.entry[2]" {
		t.Errorf("unexpected expression %v", oo.Issue[1].Expression)
	}
}

func TestOperationOutcome_JSON(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, "Patient/1 not found")

	data, err := json.Marshal(oo)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	issue := parsed["issue"].([]any)[0].(map[string]any)
	if issue["code"] != "not-found" {
		t.Errorf("expected code not-found, got %v", issue["code"])
	}
	if _, ok := issue["expression"]; ok {
		t.Error("expected expression to be omitted when empty")
	}
}
