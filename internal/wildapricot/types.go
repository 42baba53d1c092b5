package wildapricot

import (
	"encoding/json"
	"fmt"
	"time"

	"wasync/internal/models"
)

// BatchRequest is one sub-request of a composite batch call.
type BatchRequest struct {
	ID          string `json:"Id"`
	Method      string `json:"Method"`
	RelativeURL string `json:"RelativeUrl"`
}

// BatchResponse is the answer to one BatchRequest.
type BatchResponse struct {
	ID         string `json:"Id"`
	StatusCode int    `json:"HttpStatusCode"`
	Body       string `json:"ResponseBody"`
}

// Listing is the result of ListEvents.
type Listing struct {
	Events []models.EventSummary
	// Malformed counts records that could not be decoded and were skipped.
	Malformed int
}

// eventRecord is the subset of the platform's event object that the sync uses.
type eventRecord struct {
	ID        int64  `json:"Id"`
	Name      string `json:"Name"`
	StartDate string `json:"StartDate"`
	EndDate   string `json:"EndDate"`
	Location  string `json:"Location"`
	URL       string `json:"Url"`
	Details   *struct {
		DescriptionHTML string `json:"DescriptionHtml"`
	} `json:"Details"`
}

type eventList struct {
	Events []json.RawMessage `json:"Events"`
}

type registration struct {
	Contact *struct {
		Email string `json:"Email"`
	} `json:"Contact"`
	RegistrationFields []struct {
		FieldName  string          `json:"FieldName"`
		SystemCode string          `json:"SystemCode"`
		Value      json.RawMessage `json:"Value"`
	} `json:"RegistrationFields"`
}

// ParseEvent decodes a full event record. Timestamps without an offset are
// read in loc.
func ParseEvent(raw []byte, loc *time.Location) (models.SourceEvent, error) {
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.SourceEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if rec.ID == 0 {
		return models.SourceEvent{}, fmt.Errorf("event record has no Id")
	}

	ev := models.SourceEvent{
		ID:       rec.ID,
		Name:     rec.Name,
		Location: rec.Location,
		URL:      rec.URL,
	}
	if rec.Details != nil {
		ev.DescriptionHTML = rec.Details.DescriptionHTML
	}

	start, err := models.ParseTime(rec.StartDate, loc)
	if err != nil {
		return models.SourceEvent{}, fmt.Errorf("event %d has invalid StartDate %q: %w", rec.ID, rec.StartDate, err)
	}
	ev.Start = start

	if rec.EndDate != "" {
		end, err := models.ParseTime(rec.EndDate, loc)
		if err != nil {
			return models.SourceEvent{}, fmt.Errorf("event %d has invalid EndDate %q: %w", rec.ID, rec.EndDate, err)
		}
		ev.End = end
	}
	return ev, nil
}

// parseSummary decodes an entry of the event listing.
func parseSummary(raw []byte, loc *time.Location) (models.EventSummary, error) {
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.EventSummary{}, err
	}
	if rec.ID == 0 {
		return models.EventSummary{}, fmt.Errorf("event summary has no Id")
	}
	s := models.EventSummary{ID: rec.ID, Name: rec.Name}
	if rec.StartDate != "" {
		if start, err := models.ParseTime(rec.StartDate, loc); err == nil {
			s.Start = start
		}
	}
	return s, nil
}

// email returns the registrant's email address, preferring the registration
// form over the contact record.
func (r registration) email() string {
	for _, f := range r.RegistrationFields {
		if f.SystemCode != "Email" && f.FieldName != "e-Mail" && f.FieldName != "Email" {
			continue
		}
		var s string
		if err := json.Unmarshal(f.Value, &s); err == nil && s != "" {
			return s
		}
	}
	if r.Contact != nil {
		return r.Contact.Email
	}
	return ""
}
