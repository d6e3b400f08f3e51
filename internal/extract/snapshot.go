package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bnema/placepool/internal/domain"
)

// SnapshotScript is evaluated in the page to capture its current markup.
const SnapshotScript = `() => document.documentElement.outerHTML`

// Selectors locate the collection page structures in a snapshot.
type Selectors struct {
	Card  string `mapstructure:"card"`
	Link  string `mapstructure:"link"`
	Note  string `mapstructure:"note"`
	Next  string `mapstructure:"next"`
	Range string `mapstructure:"range"`
	Empty string `mapstructure:"empty"`
	Blob  string `mapstructure:"blob"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Card:  `div[role="listitem"]`,
		Link:  `a[href]`,
		Note:  `[data-note], .note`,
		Next:  `button[aria-label="Next page"], [data-action="next-page"]`,
		Range: `[aria-live], .pagination-range`,
		Empty: `[data-empty-list]`,
		Blob:  `script#collection-state`,
	}
}

// WithDefaults fills blank selectors from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	def := DefaultSelectors()
	fill := func(value *string, fallback string) {
		if strings.TrimSpace(*value) == "" {
			*value = fallback
		}
	}
	fill(&s.Card, def.Card)
	fill(&s.Link, def.Link)
	fill(&s.Note, def.Note)
	fill(&s.Next, def.Next)
	fill(&s.Range, def.Range)
	fill(&s.Empty, def.Empty)
	fill(&s.Blob, def.Blob)
	return s
}

type NextControl struct {
	Present  bool `json:"present"`
	Disabled bool `json:"disabled"`
}

func (n NextControl) String() string {
	switch {
	case !n.Present:
		return "absent"
	case n.Disabled:
		return "disabled"
	default:
		return "enabled"
	}
}

// Snapshot is the structural reading of one rendered collection page.
type Snapshot struct {
	Title       string
	Cards       []domain.PlaceRecord
	CardCount   int
	BlobPresent bool
	BlobRaw     string
	RangeText   string
	DOMRange    *Range
	Next        NextControl
	Empty       bool
}

// Ready reports whether the page rendered anything the extraction can use.
func (s Snapshot) Ready() bool {
	return len(s.Cards) > 0 || s.Empty || s.BlobPresent
}

// FirstIdentity is the identity of the first visible card, "" when none.
func (s Snapshot) FirstIdentity() string {
	if len(s.Cards) == 0 {
		return ""
	}
	return s.Cards[0].Identity()
}

func (s Snapshot) Pagination(blobTotal int) PaginationSignal {
	return PaginationSignal{BlobTotal: blobTotal, DOMRange: s.DOMRange, Next: s.Next}
}

// ParseSnapshot reads cards, blob, pagination and empty-state markers out of
// markup. Relative card links are resolved against baseURL.
func ParseSnapshot(markup, baseURL string, sel Selectors) (Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	sel = sel.WithDefaults()

	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	snap := Snapshot{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Empty: doc.Find(sel.Empty).Length() > 0,
	}

	if blob := doc.Find(sel.Blob).First(); blob.Length() > 0 {
		snap.BlobPresent = true
		snap.BlobRaw = blob.Text()
	}

	doc.Find(sel.Card).Each(func(_ int, card *goquery.Selection) {
		if isHidden(card) {
			return
		}
		snap.CardCount++
		if record, ok := parseCard(card, base, sel); ok {
			snap.Cards = append(snap.Cards, record)
		}
	})

	doc.Find(sel.Range).EachWithBreak(func(_ int, node *goquery.Selection) bool {
		text := collapseSpace(node.Text())
		if r, ok := ParseRange(text); ok {
			snap.RangeText = text
			snap.DOMRange = &r
			return false
		}
		return true
	})

	if next := doc.Find(sel.Next).First(); next.Length() > 0 {
		snap.Next = NextControl{Present: true, Disabled: isDisabled(next)}
	}

	return snap, nil
}

func parseCard(card *goquery.Selection, base *url.URL, sel Selectors) (domain.PlaceRecord, bool) {
	link := card.Find(sel.Link).First()
	if link.Length() == 0 && card.Is(sel.Link) {
		link = card
	}
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return domain.PlaceRecord{}, false
	}

	notes := card.Find(sel.Note)
	note := collapseSpace(notes.First().Text())

	display := collapseSpace(link.Text())
	if display == "" {
		text := card.Clone()
		text.Find(sel.Note).Remove()
		display = collapseSpace(text.Text())
	}
	if display == "" {
		return domain.PlaceRecord{}, false
	}

	parsed := ParseCardText(display)
	return domain.PlaceRecord{
		Name:        parsed.Name,
		URL:         resolveHref(base, href),
		Rating:      parsed.Rating,
		ReviewCount: parsed.ReviewCount,
		Note:        note,
	}, true
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(domain.DecodeUnicodeEscapes(href))
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func isHidden(node *goquery.Selection) bool {
	for current := node; current.Length() > 0; current = current.Parent() {
		if _, ok := current.Attr("hidden"); ok {
			return true
		}
		if strings.EqualFold(strings.TrimSpace(current.AttrOr("aria-hidden", "")), "true") {
			return true
		}
		style := strings.ToLower(strings.ReplaceAll(current.AttrOr("style", ""), " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func isDisabled(node *goquery.Selection) bool {
	if _, ok := node.Attr("disabled"); ok {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(node.AttrOr("aria-disabled", "")), "true")
}

func collapseSpace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
