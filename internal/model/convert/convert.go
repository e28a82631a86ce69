// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/markersync/markersync/internal/model"
	"github.com/markersync/markersync/pkg/core"
	"gorm.io/datatypes"
)

// nullJSON is stored when a record has no attachment.
var nullJSON = datatypes.JSON("null")

// attachmentToJSON converts an optional attachment ref to datatypes.JSON for DB storage.
func attachmentToJSON(ref *core.AttachmentRef) datatypes.JSON {
	if ref == nil {
		return nullJSON
	}
	data, _ := json.Marshal(ref)
	return datatypes.JSON(data)
}

// jsonToAttachment converts a stored attachment column back to a ref.
func jsonToAttachment(j datatypes.JSON) (*core.AttachmentRef, error) {
	if len(j) == 0 || string(j) == "null" {
		return nil, nil
	}
	var ref core.AttachmentRef
	if err := json.Unmarshal(j, &ref); err != nil {
		return nil, fmt.Errorf("invalid attachment column: %w", err)
	}
	if ref.Path == "" {
		return nil, nil
	}
	return &ref, nil
}

// MarkerToCore converts a GORM Marker to a core.Record
func MarkerToCore(m model.Marker) (core.Record, error) {
	att, err := jsonToAttachment(m.Attachment)
	if err != nil {
		return core.Record{}, fmt.Errorf("marker %s: %w", m.ID, err)
	}
	return core.Record{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Position:   core.Position{Lat: m.Lat, Lng: m.Lng},
		Label:      m.Label,
		Notes:      m.Notes,
		Visibility: core.Visibility(m.Visibility),
		Attachment: att,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}, nil
}

// CoreToMarker converts a core.Record to a GORM Marker
func CoreToMarker(r core.Record) model.Marker {
	return model.Marker{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Lat:        r.Position.Lat,
		Lng:        r.Position.Lng,
		Label:      r.Label,
		Notes:      r.Notes,
		Visibility: string(r.Visibility),
		Attachment: attachmentToJSON(r.Attachment),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// MarkersToCore converts a slice of GORM Markers, failing on the first bad row.
func MarkersToCore(ms []model.Marker) ([]core.Record, error) {
	out := make([]core.Record, 0, len(ms))
	for _, m := range ms {
		r, err := MarkerToCore(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
