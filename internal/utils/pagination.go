package utils

import (
	"math"
	"strconv"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
)

// ParsePageParam reads a page or limit query value. Missing, non-numeric and
// zero values fall back to def; negative values are passed through so the
// store can answer them with an empty page.
func ParsePageParam(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n == 0 {
		return def
	}
	return n
}

// TotalPages is ceil(total/limit), or 0 when limit is not positive.
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	l := int64(limit)
	pages := total / l
	if total%l != 0 {
		pages++
	}
	return int(pages)
}

// Offset converts a 1-based page into a row offset. It returns -1 for pages
// below 1 and for offsets that do not fit in an int; stores answer a negative
// offset with an empty page.
func Offset(page, limit int) int {
	if page < 1 || limit <= 0 {
		return -1
	}
	if page-1 > math.MaxInt/limit {
		return -1
	}
	return (page - 1) * limit
}
