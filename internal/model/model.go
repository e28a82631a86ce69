package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Marker{},
}

// Marker is the persisted form of a core.Record.
// Timestamps are assigned by the store's clock, not by gorm.
type Marker struct {
	ID         string         `json:"id" gorm:"primarykey;size:64"`
	OwnerID    string         `json:"ownerId" gorm:"size:64;index:idx_marker_owner_id"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Label      string         `json:"label" gorm:"size:128"`
	Notes      string         `json:"notes" gorm:"size:2000"`
	Visibility string         `json:"visibility" gorm:"size:16;index:idx_marker_visibility"`
	Attachment datatypes.JSON `json:"attachment" gorm:"not null;default:'null'"` // AttachmentRef or JSON null
	CreatedAt  time.Time      `json:"createdAt" gorm:"autoCreateTime:false;index:idx_marker_created_at"`
	UpdatedAt  time.Time      `json:"updatedAt" gorm:"autoUpdateTime:false"`
}

func (*Marker) TableName() string {
	return "markers"
}
