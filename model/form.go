package model

// Form is a stored form definition. Schema and Settings hold JSON documents
// which are decoded over the defaults when read.
type Form struct {
	Model
	Name     string `gorm:"size:255" json:"name"`
	Schema   string `gorm:"type:longtext" json:"schema"`
	Settings string `gorm:"type:longtext" json:"settings"`
}
