package feed

import "github.com/jmhart/feedpush/internal/model"

// NewItems returns the subsequence of parsed items whose guid is not already
// known for the channel, preserving source order. Identity is the guid alone:
// feeds reorder and resend unchanged entries on every poll, so neither feed
// position nor published time can serve as the dedup key. An item whose guid
// is already stored is discarded even if its content differs; stored items
// are immutable.
func NewItems(parsed []model.Item, known map[string]struct{}) []model.Item {
	var fresh []model.Item
	for _, it := range parsed {
		if _, ok := known[it.GUID]; ok {
			continue
		}
		fresh = append(fresh, it)
	}
	return fresh
}
