// Package report defines the observation report collected in the field:
// where the observation happened, the measured water conditions and the
// species seen. Reports are the app's primary syncable payload.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
)

// RecordType is the remote record type reports sync under.
const RecordType = "observation_report"

// Report is a single field observation. Payload fields are flat on purpose:
// the field-level merge strategies compare them one by one.
type Report struct {
	meta entity.Meta

	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	WaterTempC  float64   `json:"water_temp_c"`
	SalinityPPT float64   `json:"salinity_ppt"`
	DissolvedO2 float64   `json:"dissolved_o2"`
	Species     []string  `json:"species"`
	Notes       string    `json:"notes"`
	ObservedAt  time.Time `json:"observed_at"`
}

// New returns an empty report ready for local editing, with fresh sync
// metadata in the pending state.
func New(now time.Time) *Report {
	return &Report{meta: entity.NewMeta(now)}
}

// Register adds the report factory to the given registry.
func Register(reg *entity.Registry) {
	reg.Register(RecordType, func() entity.Syncable { return &Report{} })
}

func (r *Report) Meta() *entity.Meta { return &r.meta }

func (r *Report) RecordType() string { return RecordType }

// ToRecord converts the payload into wire form. The JSON round trip puts the
// fields into the generic map shape the resolver and the remote store work
// with.
func (r *Report) ToRecord() (entity.Record, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return entity.Record{}, fmt.Errorf("marshaling report payload: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return entity.Record{}, fmt.Errorf("normalizing report payload: %w", err)
	}
	return entity.Record{
		Type:         RecordType,
		RemoteID:     r.meta.RemoteID,
		ChangeTag:    r.meta.ChangeTag,
		LastModified: r.meta.LastModified,
		Deleted:      r.meta.Deleted,
		Fields:       fields,
	}, nil
}

// ApplyRecord replaces the payload with the record's fields. Sync metadata
// is left untouched; the engine owns those transitions.
func (r *Report) ApplyRecord(rec entity.Record) error {
	b, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshaling record fields: %w", err)
	}
	var decoded Report
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decoding record fields: %w", err)
	}
	decoded.meta = r.meta
	*r = decoded
	return nil
}

// Validate rejects payloads that must never reach the remote store.
func (r *Report) Validate() error {
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", r.Latitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", r.Longitude)
	}
	if r.WaterTempC < -5 || r.WaterTempC > 60 {
		return fmt.Errorf("water temperature %v out of range", r.WaterTempC)
	}
	return nil
}
