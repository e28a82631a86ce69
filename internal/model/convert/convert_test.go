package convert

import (
	"testing"
	"time"

	"github.com/markersync/markersync/internal/model"
	"github.com/markersync/markersync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestCoreToMarker_AndBack(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := core.Record{
		ID:         "a",
		OwnerID:    "u1",
		Position:   core.Position{Lat: 11.95, Lng: 108.45},
		Label:      "A",
		Notes:      "n",
		Visibility: core.Public,
		Attachment: &core.AttachmentRef{Path: "u1/a.jpg", URL: "http://x/u1/a.jpg"},
		CreatedAt:  created,
		UpdatedAt:  created.Add(time.Minute),
	}

	m := CoreToMarker(rec)
	assert.Equal(t, 11.95, m.Lat)
	assert.Equal(t, 108.45, m.Lng)
	assert.Equal(t, "public", m.Visibility)
	assert.JSONEq(t, `{"path":"u1/a.jpg","url":"http://x/u1/a.jpg"}`, string(m.Attachment))

	back, err := MarkerToCore(m)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestCoreToMarker_NoAttachment(t *testing.T) {
	m := CoreToMarker(core.Record{ID: "a"})
	assert.Equal(t, "null", string(m.Attachment))

	back, err := MarkerToCore(m)
	require.NoError(t, err)
	assert.Nil(t, back.Attachment)
}

func TestMarkerToCore_AttachmentColumns(t *testing.T) {
	tests := []struct {
		name    string
		column  datatypes.JSON
		want    *core.AttachmentRef
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"null", datatypes.JSON("null"), nil, false},
		{"empty object", datatypes.JSON("{}"), nil, false},
		{"ref", datatypes.JSON(`{"path":"p","url":"u"}`), &core.AttachmentRef{Path: "p", URL: "u"}, false},
		{"garbage", datatypes.JSON(`[1,2`), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarkerToCore(model.Marker{ID: "a", Attachment: tt.column})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Attachment)
		})
	}
}

func TestMarkerToCore_NormalizesToUTC(t *testing.T) {
	local := time.FixedZone("ICT", 7*3600)
	m := model.Marker{ID: "a", CreatedAt: time.Date(2025, 3, 1, 17, 0, 0, 0, local)}

	got, err := MarkerToCore(m)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.Equal(t, 10, got.CreatedAt.Hour())
}

func TestMarkersToCore(t *testing.T) {
	got, err := MarkersToCore([]model.Marker{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = MarkersToCore([]model.Marker{{ID: "a"}, {ID: "b", Attachment: datatypes.JSON("{")}})
	assert.Error(t, err)
}
