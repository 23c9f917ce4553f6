// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage normalizes pagination input: page floors at 1, and pageSize
// falls back to defSize when it is non-positive or exceeds maxSize. Every
// layer that paginates uses the same rules, so a bad query parameter can
// never turn into an unbounded scan.
func ClampPage(page, pageSize, defSize, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxSize {
		pageSize = defSize
	}
	return page, pageSize
}

// Offset converts a 1-based page and page size into a row offset.
func Offset(page, pageSize int) int {
	return (page - 1) * pageSize
}

// TotalPages returns the page count for total rows at pageSize per page.
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
