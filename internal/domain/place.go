package domain

// PlaceRecord is one reconciled output unit. Core fields come from the card markup,
// enrichment fields from the page's metadata blob.
type PlaceRecord struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"reviewCount,omitempty"`
	Note        string   `json:"note,omitempty"`

	SavedAt      *int64 `json:"savedAt,omitempty"`
	ExternalID   string `json:"externalId,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

func (r PlaceRecord) Identity() string {
	return NormalizeIdentity(r.URL)
}

func (r PlaceRecord) Enriched() bool {
	return r.SavedAt != nil || r.ExternalID != "" || r.ThumbnailURL != ""
}

type PageCursor struct {
	StartIndex  int  `json:"startIndex"`
	EndIndex    int  `json:"endIndex"`
	TotalCount  int  `json:"totalCount"`
	HasNextPage bool `json:"hasNextPage"`
}

type CollectionMeta struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	TotalCount *int   `json:"totalCount,omitempty"`
}

func (m CollectionMeta) IsZero() bool {
	return m.ID == "" && m.Name == "" && m.TotalCount == nil
}
