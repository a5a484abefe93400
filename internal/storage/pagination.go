package storage

// PageMeta is the pagination envelope returned alongside a page of results.
type PageMeta struct {
	CurrentPage     int  `json:"currentPage"`
	PageSize        int  `json:"pageSize"`
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// NewPageMeta derives the envelope from a total count and the requested
// window. An empty result set has zero pages; the first page is page one.
func NewPageMeta(total, limit, offset int) PageMeta {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return PageMeta{
		CurrentPage:     offset/limit + 1,
		PageSize:        limit,
		TotalCount:      total,
		TotalPages:      totalPages,
		HasNextPage:     offset+limit < total,
		HasPreviousPage: offset > 0,
	}
}
