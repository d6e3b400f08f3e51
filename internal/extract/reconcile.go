package extract

import "github.com/bnema/placepool/internal/domain"

// Merge enriches DOM-derived records with blob fields matched by normalized
// identity. Every card is kept in order; blob items without a card are ignored.
func Merge(cards []domain.PlaceRecord, blob map[string]BlobItem) []domain.PlaceRecord {
	merged := make([]domain.PlaceRecord, 0, len(cards))
	for _, card := range cards {
		item, ok := blob[card.Identity()]
		if ok {
			card.SavedAt = item.SavedAt
			card.ExternalID = item.ExternalID
			card.ThumbnailURL = item.ThumbnailURL
		}
		merged = append(merged, card)
	}

	return merged
}
