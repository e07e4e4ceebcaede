package domain

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageRequest selects a window of a newest-first listing.
type PageRequest struct {
	Skip int
	Take int
}

// Normalized clamps the window: negative skip becomes 0, a non-positive take
// becomes DefaultPageSize and take never exceeds MaxPageSize.
func (p PageRequest) Normalized() PageRequest {
	out := p
	if out.Skip < 0 {
		out.Skip = 0
	}
	if out.Take <= 0 {
		out.Take = DefaultPageSize
	}
	out.Take = min(out.Take, MaxPageSize)
	return out
}

// Page is one window of a listing together with the unwindowed total.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Take  int `json:"take"`
}
