package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/placepool/internal/domain"
)

var ErrBlobMalformed = errors.New("metadata blob is malformed")

// millisecondThreshold separates epoch seconds from epoch milliseconds.
const millisecondThreshold = 100_000_000_000

// BlobItem carries the enrichment fields of one collection item.
type BlobItem struct {
	URL          string
	SavedAt      *int64
	ExternalID   string
	ThumbnailURL string
}

// Blob is the parsed metadata payload embedded in a collection page.
// Items are keyed by normalized identity.
type Blob struct {
	Collection domain.CollectionMeta
	Items      map[string]BlobItem
}

func (b Blob) TotalCount() int {
	if b.Collection.TotalCount == nil {
		return 0
	}
	return *b.Collection.TotalCount
}

type blobPayload struct {
	Collection *blobCollection `json:"collection"`
	Items      []blobItem      `json:"items"`
}

type blobCollection struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TotalCount *int   `json:"totalCount"`
}

type blobItem struct {
	URL       string          `json:"url"`
	SavedAt   json.RawMessage `json:"savedAt"`
	ID        string          `json:"id"`
	Thumbnail string          `json:"thumbnail"`
}

// ParseBlob decodes the payload text of the blob element. Both a bare JSON
// object and a "window.X = {...};" assignment are accepted.
func ParseBlob(raw string) (Blob, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return Blob{Items: map[string]BlobItem{}}, nil
	}

	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return Blob{}, fmt.Errorf("%w: no object literal", ErrBlobMalformed)
	}

	var payload blobPayload
	if err := json.Unmarshal([]byte(body[start:end+1]), &payload); err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrBlobMalformed, err)
	}

	blob := Blob{Items: make(map[string]BlobItem, len(payload.Items))}
	if payload.Collection != nil {
		blob.Collection = domain.CollectionMeta{
			ID:         strings.TrimSpace(payload.Collection.ID),
			Name:       strings.TrimSpace(domain.DecodeUnicodeEscapes(payload.Collection.Name)),
			TotalCount: payload.Collection.TotalCount,
		}
	}

	for _, entry := range payload.Items {
		identity := domain.NormalizeIdentity(entry.URL)
		if identity == "" {
			continue
		}
		blob.Items[identity] = BlobItem{
			URL:          entry.URL,
			SavedAt:      parseEpochSeconds(entry.SavedAt),
			ExternalID:   strings.TrimSpace(entry.ID),
			ThumbnailURL: strings.TrimSpace(domain.DecodeUnicodeEscapes(entry.Thumbnail)),
		}
	}

	return blob, nil
}

func parseEpochSeconds(raw json.RawMessage) *int64 {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return nil
	}

	number, err := strconv.ParseFloat(value, 64)
	if err != nil || number <= 0 {
		return nil
	}

	seconds := int64(number)
	if seconds >= millisecondThreshold {
		seconds /= 1_000
	}

	return &seconds
}
