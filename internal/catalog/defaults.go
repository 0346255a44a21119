package catalog

// DefaultVersion identifies the built-in parameter table.
const DefaultVersion = "r4-core-subset-1"

func p(name string, t ParamType, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: t, Paths: paths}
}

func ref(name string, targets []string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: Reference, Paths: paths, Targets: targets}
}

var (
	subjectTargets = []string{"Patient", "Group", "Device", "Location"}
	patientOnly    = []string{"Patient"}
	encounterOnly  = []string{"Encounter"}
	performers     = []string{"Practitioner", "PractitionerRole", "Organization", "Patient", "RelatedPerson"}
)

// DefaultFile returns the built-in catalog definitions. Callers get a fresh
// value and may modify it before passing it to New.
func DefaultFile() File {
	return File{
		Version: DefaultVersion,
		Common: []ParamDef{
			p("_id", Token, "id"),
			p("_lastUpdated", Date, "meta.lastUpdated"),
			p("_tag", Token, "meta.tag"),
			p("_profile", URI, "meta.profile"),
			p("_security", Token, "meta.security"),
		},
		Resources: map[string][]ParamDef{
			"Patient": {
				p("active", Token, "active"),
				p("address", String, "address"),
				p("address-city", String, "address.city"),
				p("address-postalcode", String, "address.postalCode"),
				p("birthdate", Date, "birthDate"),
				p("death-date", Date, "deceasedDateTime"),
				p("email", Token, "telecom(system=email)"),
				p("family", String, "name.family"),
				p("gender", Token, "gender"),
				ref("general-practitioner", []string{"Practitioner", "PractitionerRole", "Organization"}, "generalPractitioner"),
				p("given", String, "name.given"),
				p("identifier", Token, "identifier"),
				ref("link", []string{"Patient", "RelatedPerson"}, "link.other"),
				p("name", String, "name"),
				ref("organization", []string{"Organization"}, "managingOrganization"),
				p("phone", Token, "telecom(system=phone)"),
				p("telecom", Token, "telecom"),
			},
			"Practitioner": {
				p("active", Token, "active"),
				p("family", String, "name.family"),
				p("given", String, "name.given"),
				p("identifier", Token, "identifier"),
				p("name", String, "name"),
			},
			"PractitionerRole": {
				ref("organization", []string{"Organization"}, "organization"),
				ref("practitioner", []string{"Practitioner"}, "practitioner"),
				p("role", Token, "code"),
				p("specialty", Token, "specialty"),
			},
			"Organization": {
				p("active", Token, "active"),
				p("identifier", Token, "identifier"),
				p("name", String, "name", "alias"),
				ref("partof", []string{"Organization"}, "partOf"),
				p("type", Token, "type"),
			},
			"Location": {
				p("address", String, "address"),
				p("name", String, "name"),
				ref("organization", []string{"Organization"}, "managingOrganization"),
				p("status", Token, "status"),
			},
			"Group": {
				p("code", Token, "code"),
				p("identifier", Token, "identifier"),
				ref("member", []string{"Patient", "Practitioner", "Device"}, "member.entity"),
			},
			"Device": {
				p("identifier", Token, "identifier"),
				ref("patient", patientOnly, "patient"),
				p("type", Token, "type"),
			},
			"RelatedPerson": {
				p("name", String, "name"),
				ref("patient", patientOnly, "patient"),
			},
			"Encounter": {
				p("class", Token, "class"),
				p("date", Date, "period"),
				ref("episode-of-care", []string{"EpisodeOfCare"}, "episodeOfCare"),
				p("identifier", Token, "identifier"),
				p("length", Quantity, "length"),
				ref("participant", performers, "participant.individual"),
				ref("patient", patientOnly, "subject"),
				ref("service-provider", []string{"Organization"}, "serviceProvider"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
				p("type", Token, "type"),
			},
			"EpisodeOfCare": {
				ref("care-manager", []string{"Practitioner"}, "careManager"),
				p("date", Date, "period"),
				p("identifier", Token, "identifier"),
				ref("organization", []string{"Organization"}, "managingOrganization"),
				ref("patient", patientOnly, "patient"),
				p("status", Token, "status"),
				p("type", Token, "type"),
			},
			"Observation": {
				p("category", Token, "category"),
				p("code", Token, "code"),
				p("component-code", Token, "component.code"),
				p("date", Date, "effectiveDateTime", "effectivePeriod", "effectiveInstant"),
				ref("encounter", encounterOnly, "encounter"),
				ref("has-member", []string{"Observation"}, "hasMember"),
				p("identifier", Token, "identifier"),
				ref("patient", patientOnly, "subject"),
				ref("performer", performers, "performer"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
				p("value-concept", Token, "valueCodeableConcept"),
				p("value-date", Date, "valueDateTime", "valuePeriod"),
				p("value-quantity", Quantity, "valueQuantity"),
				p("value-string", String, "valueString"),
			},
			"Condition": {
				p("abatement-date", Date, "abatementDateTime", "abatementPeriod"),
				p("category", Token, "category"),
				p("clinical-status", Token, "clinicalStatus"),
				p("code", Token, "code"),
				ref("encounter", encounterOnly, "encounter"),
				p("identifier", Token, "identifier"),
				p("onset-date", Date, "onsetDateTime", "onsetPeriod"),
				ref("patient", patientOnly, "subject"),
				p("recorded-date", Date, "recordedDate"),
				p("severity", Token, "severity"),
				ref("subject", subjectTargets, "subject"),
				p("verification-status", Token, "verificationStatus"),
			},
			"Procedure": {
				p("code", Token, "code"),
				p("date", Date, "performedDateTime", "performedPeriod"),
				ref("encounter", encounterOnly, "encounter"),
				ref("patient", patientOnly, "subject"),
				ref("performer", performers, "performer.actor"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
			},
			"MedicationRequest": {
				p("authoredon", Date, "authoredOn"),
				p("code", Token, "medicationCodeableConcept"),
				ref("encounter", encounterOnly, "encounter"),
				p("intent", Token, "intent"),
				ref("medication", []string{"Medication"}, "medicationReference"),
				ref("patient", patientOnly, "subject"),
				ref("requester", performers, "requester"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
			},
			"Medication": {
				p("code", Token, "code"),
				p("status", Token, "status"),
			},
			"AllergyIntolerance": {
				p("clinical-status", Token, "clinicalStatus"),
				p("code", Token, "code", "reaction.substance"),
				p("criticality", Token, "criticality"),
				p("onset", Date, "onsetDateTime", "onsetPeriod"),
				ref("patient", patientOnly, "patient"),
				p("type", Token, "type"),
			},
			"DiagnosticReport": {
				p("category", Token, "category"),
				p("code", Token, "code"),
				p("date", Date, "effectiveDateTime", "effectivePeriod"),
				ref("encounter", encounterOnly, "encounter"),
				ref("patient", patientOnly, "subject"),
				ref("result", []string{"Observation"}, "result"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
			},
			"Immunization": {
				p("date", Date, "occurrenceDateTime"),
				p("lot-number", String, "lotNumber"),
				ref("patient", patientOnly, "patient"),
				p("status", Token, "status"),
				p("vaccine-code", Token, "vaccineCode"),
			},
			"RiskAssessment": {
				p("date", Date, "occurrenceDateTime", "occurrencePeriod"),
				ref("encounter", encounterOnly, "encounter"),
				p("method", Token, "method"),
				ref("patient", patientOnly, "subject"),
				p("probability", Number, "prediction.probabilityDecimal"),
				ref("subject", subjectTargets, "subject"),
			},
			"ServiceRequest": {
				p("authored", Date, "authoredOn"),
				p("code", Token, "code"),
				ref("encounter", encounterOnly, "encounter"),
				p("intent", Token, "intent"),
				ref("patient", patientOnly, "subject"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
			},
			"DocumentReference": {
				p("date", Date, "date"),
				ref("encounter", encounterOnly, "context.encounter"),
				ref("patient", patientOnly, "subject"),
				p("status", Token, "status"),
				ref("subject", subjectTargets, "subject"),
				p("type", Token, "type"),
				p("url", URI, "content.attachment.url"),
			},
			"ValueSet": {
				p("name", String, "name"),
				p("status", Token, "status"),
				p("url", URI, "url"),
				p("version", Token, "version"),
			},
		},
		Compartment: &CompartmentRules{
			Intermediates: []string{"Encounter", "EpisodeOfCare"},
			OneHop: []string{
				"Observation", "Condition", "Procedure", "MedicationRequest",
				"DiagnosticReport", "ServiceRequest", "DocumentReference", "RiskAssessment",
				"Encounter",
			},
		},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultFile())
	if err != nil {
		panic("catalog: invalid built-in definitions: " + err.Error())
	}
	return c
}
