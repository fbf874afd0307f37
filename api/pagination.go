package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// PaginationMeta is embedded in offset-paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"totalCount"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
}

// parsePagination reads "limit" and "offset" query parameters. Missing or
// invalid values fall back to offset 0 and defaultPageLimit; limit is
// capped at maxPageLimit.
func parsePagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()

	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// parsePage reads zero-based "page" and "size" query parameters. Invalid
// values are left at zero for the ledger to normalize.
func parsePage(r *http.Request) (page, size int) {
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page = n
		}
	}
	if v := q.Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	return page, size
}

func paginationMeta(total, limit, offset, returned int) PaginationMeta {
	return PaginationMeta{
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    offset+returned < total,
	}
}
