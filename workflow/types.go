package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the portal an actor submits through
type Role string

const (
	RoleFarmer     Role = "farmer"
	RoleProcessor  Role = "processor"
	RoleLab        Role = "lab"
	RoleRegulator  Role = "regulator"
	RoleConsumer   Role = "consumer"
	RoleManagement Role = "management"
)

// Roles lists every known role in custody order
var Roles = []Role{RoleFarmer, RoleProcessor, RoleLab, RoleRegulator, RoleConsumer, RoleManagement}

// ParseRole returns the role matching s and whether it is known
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Status is the coarse lifecycle stage derived from a batch's events
type Status string

const (
	StatusCollected Status = "collected"
	StatusProcessed Status = "processed"
	StatusTested    Status = "tested"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusCollected, StatusProcessed, StatusTested, StatusApproved, StatusRejected}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// StatusRank orders statuses along the lifecycle chain. Both terminal
// statuses share the highest rank.
func StatusRank(s Status) int {
	switch s {
	case StatusProcessed:
		return 1
	case StatusTested:
		return 2
	case StatusApproved, StatusRejected:
		return 3
	default:
		return 0
	}
}

// EventType names the kind of custody fact an event records
type EventType string

const (
	EventCollection        EventType = "Collection"
	EventProcessing        EventType = "Processing"
	EventLaboratoryTesting EventType = "LaboratoryTesting"
	EventRegulatoryReview  EventType = "RegulatoryReview"
)

// AccessType is either view or edit
type AccessType string

const (
	AccessView AccessType = "view"
	AccessEdit AccessType = "edit"
)

// ParseAccessType returns the access type matching s and whether it is known
func ParseAccessType(s string) (AccessType, bool) {
	switch AccessType(s) {
	case AccessView, AccessEdit:
		return AccessType(s), true
	}
	return "", false
}

// Decision is the regulator's verdict on a tested batch
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Performer is the actor that produced an event
type Performer struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       Role   `json:"role"`
	Credential string `json:"credential,omitempty"`
}

// Location is where an event took place
type Location struct {
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Details is the type-specific payload of an event. Each event type has
// exactly one details variant.
type Details interface {
	EventType() EventType
}

// CollectionDetails is recorded by the farmer when the herb is harvested
type CollectionDetails struct {
	Species     string  `json:"species"`
	CommonName  string  `json:"common_name,omitempty"`
	QuantityKg  float64 `json:"quantity_kg"`
	HarvestDate string  `json:"harvest_date,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

func (CollectionDetails) EventType() EventType { return EventCollection }

// ProcessingDetails is recorded by the processor
type ProcessingDetails struct {
	Method        string  `json:"method"`
	TemperatureC  float64 `json:"temperature_c,omitempty"`
	DurationHours float64 `json:"duration_hours,omitempty"`
	YieldKg       float64 `json:"yield_kg,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

func (ProcessingDetails) EventType() EventType { return EventProcessing }

// LabTestDetails is recorded by the laboratory
type LabTestDetails struct {
	MoisturePercent  float64  `json:"moisture_percent,omitempty"`
	PesticideResidue string   `json:"pesticide_residue,omitempty"`
	HeavyMetals      string   `json:"heavy_metals,omitempty"`
	Contaminants     []string `json:"contaminants,omitempty"`
	Passed           bool     `json:"passed"`
	CertificateID    string   `json:"certificate_id,omitempty"`
}

func (LabTestDetails) EventType() EventType { return EventLaboratoryTesting }

// RegulatoryDetails is recorded by the regulator and carries the decision
type RegulatoryDetails struct {
	Decision  Decision `json:"decision"`
	Comments  string   `json:"comments,omitempty"`
	LicenseID string   `json:"license_id,omitempty"`
}

func (RegulatoryDetails) EventType() EventType { return EventRegulatoryReview }

// UnknownDetails keeps the raw payload of an event type this build does not
// know about, so stored events survive a round trip untouched.
type UnknownDetails struct {
	Type EventType       `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (u UnknownDetails) EventType() EventType { return u.Type }

func (u UnknownDetails) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// Event is an immutable fact appended to a batch
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Performer Performer `json:"performer"`
	Location  Location  `json:"location"`
	Details   Details   `json:"details"`
}

type eventJSON struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Performer Performer       `json:"performer"`
	Location  Location        `json:"location"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// UnmarshalJSON decodes the details variant selected by the event type
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	details, err := DecodeDetails(raw.Type, raw.Details)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        raw.ID,
		Type:      raw.Type,
		Timestamp: raw.Timestamp,
		Performer: raw.Performer,
		Location:  raw.Location,
		Details:   details,
	}
	return nil
}

// DecodeDetails decodes raw into the details variant for t. Unknown types
// decode into UnknownDetails.
func DecodeDetails(t EventType, raw json.RawMessage) (Details, error) {
	var target Details
	switch t {
	case EventCollection:
		var d CollectionDetails
		if err := unmarshalOptional(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		target = d
	case EventProcessing:
		var d ProcessingDetails
		if err := unmarshalOptional(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		target = d
	case EventLaboratoryTesting:
		var d LabTestDetails
		if err := unmarshalOptional(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		target = d
	case EventRegulatoryReview:
		var d RegulatoryDetails
		if err := unmarshalOptional(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", t, err)
		}
		target = d
	default:
		target = UnknownDetails{Type: t, Raw: append(json.RawMessage(nil), raw...)}
	}
	return target, nil
}

func unmarshalOptional(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Batch is the traceable unit. Status is a cache of DeriveStatus(Events)
// and is refreshed on every read through Refresh.
type Batch struct {
	ID          string    `json:"id"`
	Events      []Event   `json:"events"`
	LastUpdated time.Time `json:"lastUpdated"`
	Status      Status    `json:"status"`
}

// QRCode is the external identifier printed on the batch label
func (b Batch) QRCode() string { return b.ID }

// Refresh recomputes the cached status from the event list
func (b *Batch) Refresh() Status {
	b.Status = DeriveStatus(b.Events)
	return b.Status
}

// NewestEventTime returns the latest event timestamp, zero for a batch
// without timestamped events.
func (b Batch) NewestEventTime() time.Time {
	var newest time.Time
	for _, e := range b.Events {
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return newest
}

// Clone returns a deep copy of the event slice so callers cannot mutate
// stored state.
func (b Batch) Clone() Batch {
	out := b
	out.Events = append([]Event(nil), b.Events...)
	return out
}

func (b Batch) MarshalJSON() ([]byte, error) {
	type batchAlias Batch
	return json.Marshal(struct {
		batchAlias
		QRCode string `json:"qrCode"`
	}{batchAlias(b), b.ID})
}
