package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bnema/placepool/internal/domain"
)

var rangePattern = regexp.MustCompile(`(\d[\d.,]*)\s*[-–—]\s*(\d[\d.,]*)\s+(?:of|/)\s+(\d[\d.,]*)`)

// Range is a parsed "A–B of N" display string.
type Range struct {
	Start int
	End   int
	Total int
}

func ParseRange(text string) (Range, bool) {
	match := rangePattern.FindStringSubmatch(text)
	if match == nil {
		return Range{}, false
	}

	var values [3]int
	for i, raw := range match[1:] {
		n, err := strconv.Atoi(strings.NewReplacer(",", "", ".", "").Replace(raw))
		if err != nil {
			return Range{}, false
		}
		values[i] = n
	}

	return Range{Start: values[0], End: values[1], Total: values[2]}, true
}

// PaginationSignal gathers the two disagreeing pagination sources of a page.
type PaginationSignal struct {
	// BlobTotal is the metadata blob's collection total, 0 when absent.
	BlobTotal int
	DOMRange  *Range
	Next      NextControl
}

func (s PaginationSignal) Total() int {
	if s.BlobTotal > 0 {
		return s.BlobTotal
	}
	if s.DOMRange != nil && s.DOMRange.Total > 0 {
		return s.DOMRange.Total
	}
	return 0
}

// ComputeCursor derives the cursor for count records extracted starting at
// offset. The blob total wins over the DOM range, and the extracted end only
// stands in for the total when the page reports neither. A missing next
// control defers to the total alone.
func ComputeCursor(offset, count int, signal PaginationSignal) domain.PageCursor {
	if offset < 0 {
		offset = 0
	}
	if count < 0 {
		count = 0
	}

	end := offset + count
	start := offset + 1
	if count == 0 {
		start = offset
	}

	total := signal.Total()
	if total == 0 {
		total = end
	}

	nextEnabled := !signal.Next.Present || !signal.Next.Disabled

	return domain.PageCursor{
		StartIndex:  start,
		EndIndex:    end,
		TotalCount:  total,
		HasNextPage: nextEnabled && end < total,
	}
}
