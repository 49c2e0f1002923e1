package gormremote

import (
	"encoding/json"
	"time"

	"github.com/roach88/possync/internal/remote"
)

// documentRow stores one remote document as a JSON body.
type documentRow struct {
	Collection string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:128"`
	Body       string `gorm:"type:text;not null"`
	Version    int64  `gorm:"not null"`
	Seq        int64  `gorm:"index;not null"`
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "remote_documents" }

// changeRow is one entry of the change log that subscriptions tail.
type changeRow struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement;index:idx_changes_collection_seq,priority:2"`
	Collection string `gorm:"index:idx_changes_collection_seq,priority:1;size:64;not null"`
	DocID      string `gorm:"size:128;not null"`
	Type       string `gorm:"size:16;not null"`
	Body       string `gorm:"type:text"`
	Origin     string `gorm:"size:128"`
	CreatedAt  time.Time
}

func (changeRow) TableName() string { return "remote_changes" }

func (r documentRow) document() (remote.Document, error) {
	var doc remote.Document
	if err := json.Unmarshal([]byte(r.Body), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (r changeRow) change() (remote.Change, error) {
	c := remote.Change{
		Collection: r.Collection,
		Type:       remote.ChangeType(r.Type),
		ID:         r.DocID,
		Origin:     r.Origin,
		Seq:        r.Seq,
		At:         r.CreatedAt,
	}
	if r.Body != "" {
		if err := json.Unmarshal([]byte(r.Body), &c.Doc); err != nil {
			return remote.Change{}, err
		}
	}
	return c, nil
}
