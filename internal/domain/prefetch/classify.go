// Package prefetch derives CDS Hooks prefetch templates from compiled CQL
// libraries. Classify maps a retrieved FHIR resource type to the query an EHR
// should run before calling the hook; Extractor walks an ELM tree and collects
// one template per retrieved resource type.
package prefetch

import (
	"regexp"
	"sort"
)

// PatientContextToken is substituted by the EHR with the current patient id.
const PatientContextToken = "{{context.patientId}}"

// Map is a prefetch plan keyed by resource type name.
type Map map[string]string

// Policy names how a resource type is fetched.
type Policy int

const (
	// PolicyPatient reads the context patient by id.
	PolicyPatient Policy = iota + 1
	// PolicyPatientCompartment searches with patient={{context.patientId}}.
	PolicyPatientCompartment
	// PolicyAlternateSearch searches on a chained patient parameter.
	PolicyAlternateSearch
	// PolicyContextFree fetches the bare resource type without patient context.
	PolicyContextFree
)

func (p Policy) String() string {
	switch p {
	case PolicyPatient:
		return "patient"
	case PolicyPatientCompartment:
		return "patient-compartment"
	case PolicyAlternateSearch:
		return "alternate-search"
	case PolicyContextFree:
		return "context-free"
	}
	return "unsupported"
}

// Entry is the classification of a single resource type.
type Entry struct {
	ResourceType string `json:"resourceType"`
	Query        string `json:"query"`
	Policy       Policy `json:"-"`
}

type resourceRule struct {
	policy      Policy
	searchParam string
}

// dataTypePattern accepts a bare capitalised type name, optionally qualified
// with the FHIR namespace the CQL-to-ELM translator emits.
var dataTypePattern = regexp.MustCompile(`^(\{http://hl7\.org/fhir\})?([A-Z][a-zA-Z]+)$`)

// resourcePolicies is the data-access contract with receiving EHRs. Adding a
// type here changes which queries EHRs are asked to run.
var resourcePolicies = map[string]resourceRule{
	"Patient": {policy: PolicyPatient},

	"AllergyIntolerance":         {PolicyPatientCompartment, "patient"},
	"Appointment":                {PolicyPatientCompartment, "patient"},
	"AppointmentResponse":        {PolicyPatientCompartment, "patient"},
	"AuditEvent":                 {PolicyPatientCompartment, "patient"},
	"Basic":                      {PolicyPatientCompartment, "patient"},
	"BodySite":                   {PolicyPatientCompartment, "patient"},
	"CarePlan":                   {PolicyPatientCompartment, "patient"},
	"Claim":                      {PolicyPatientCompartment, "patient"},
	"ClinicalImpression":         {PolicyPatientCompartment, "patient"},
	"Communication":              {PolicyPatientCompartment, "patient"},
	"CommunicationRequest":       {PolicyPatientCompartment, "patient"},
	"Composition":                {PolicyPatientCompartment, "patient"},
	"Condition":                  {PolicyPatientCompartment, "patient"},
	"Contract":                   {PolicyPatientCompartment, "patient"},
	"DetectedIssue":              {PolicyPatientCompartment, "patient"},
	"Device":                     {PolicyPatientCompartment, "patient"},
	"DeviceUseRequest":           {PolicyPatientCompartment, "patient"},
	"DeviceUseStatement":         {PolicyPatientCompartment, "patient"},
	"DiagnosticOrder":            {PolicyPatientCompartment, "patient"},
	"DiagnosticReport":           {PolicyPatientCompartment, "patient"},
	"DocumentManifest":           {PolicyPatientCompartment, "patient"},
	"DocumentReference":          {PolicyPatientCompartment, "patient"},
	"Encounter":                  {PolicyPatientCompartment, "patient"},
	"EnrollmentRequest":          {PolicyPatientCompartment, "patient"},
	"EpisodeOfCare":              {PolicyPatientCompartment, "patient"},
	"FamilyMemberHistory":        {PolicyPatientCompartment, "patient"},
	"Flag":                       {PolicyPatientCompartment, "patient"},
	"Goal":                       {PolicyPatientCompartment, "patient"},
	"ImagingObjectSelection":     {PolicyPatientCompartment, "patient"},
	"ImagingStudy":               {PolicyPatientCompartment, "patient"},
	"Immunization":               {PolicyPatientCompartment, "patient"},
	"ImmunizationRecommendation": {PolicyPatientCompartment, "patient"},
	"Media":                      {PolicyPatientCompartment, "patient"},
	"MedicationAdministration":   {PolicyPatientCompartment, "patient"},
	"MedicationDispense":         {PolicyPatientCompartment, "patient"},
	"MedicationOrder":            {PolicyPatientCompartment, "patient"},
	"MedicationStatement":        {PolicyPatientCompartment, "patient"},
	"NutritionOrder":             {PolicyPatientCompartment, "patient"},
	"Observation":                {PolicyPatientCompartment, "patient"},
	"Order":                      {PolicyPatientCompartment, "patient"},
	"Person":                     {PolicyPatientCompartment, "patient"},
	"Procedure":                  {PolicyPatientCompartment, "patient"},
	"ProcedureRequest":           {PolicyPatientCompartment, "patient"},
	"Provenance":                 {PolicyPatientCompartment, "patient"},
	"QuestionnaireResponse":      {PolicyPatientCompartment, "patient"},
	"ReferralRequest":            {PolicyPatientCompartment, "patient"},
	"RelatedPerson":              {PolicyPatientCompartment, "patient"},
	"RiskAssessment":             {PolicyPatientCompartment, "patient"},
	"Specimen":                   {PolicyPatientCompartment, "patient"},
	"Substance":                  {PolicyPatientCompartment, "patient"},
	"SupplyRequest":              {PolicyPatientCompartment, "patient"},
	"SupplyDelivery":             {PolicyPatientCompartment, "patient"},
	"VisionPrescription":         {PolicyPatientCompartment, "patient"},

	"DeviceComponent": {PolicyAlternateSearch, "source.patient"},
	"OrderResponse":   {PolicyAlternateSearch, "request.patient"},

	"Location":      {policy: PolicyContextFree},
	"Medication":    {policy: PolicyContextFree},
	"Questionnaire": {policy: PolicyContextFree},
	"ValueSet":      {policy: PolicyContextFree},
}

// Unsupported so far: Binary, Bundle, ClaimResponse, ConceptMap, Conformance,
// Coverage, DataElement, EligibilityRequest, EligibilityResponse,
// EnrollmentResponse, ExplanationOfBenefit, Group, HealthcareService,
// ImplementationGuide, List, NamingSystem, OperationDefinition,
// OperationOutcome, Organization, Parameters, PaymentNotice,
// PaymentReconciliation, Practitioner, ProcessRequest, ProcessResponse,
// Schedule, SearchParameter, Slot, StructureDefinition, Subscription,
// TestScript.

// Classify returns the prefetch entry for an ELM Retrieve dataType such as
// "{http://hl7.org/fhir}Condition". The second result is false when the name
// is malformed or the type has no known fetch policy.
func Classify(dataType string) (Entry, bool) {
	m := dataTypePattern.FindStringSubmatch(dataType)
	if m == nil {
		return Entry{}, false
	}
	resource := m[2]

	rule, ok := resourcePolicies[resource]
	if !ok {
		return Entry{}, false
	}

	e := Entry{ResourceType: resource, Policy: rule.policy}
	switch rule.policy {
	case PolicyPatient:
		e.Query = resource + "/" + PatientContextToken
	case PolicyPatientCompartment, PolicyAlternateSearch:
		e.Query = resource + "?" + rule.searchParam + "=" + PatientContextToken
	case PolicyContextFree:
		e.Query = resource
	}
	return e, true
}

// SupportedResourceTypes lists every classifiable type name, sorted.
func SupportedResourceTypes() []string {
	out := make([]string, 0, len(resourcePolicies))
	for name := range resourcePolicies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
