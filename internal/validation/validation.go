// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrItemIDEmpty is returned when an item id is empty.
	ErrItemIDEmpty = errors.New("item id is required")
	// ErrItemIDTooLong is returned when an item id exceeds 255 characters.
	ErrItemIDTooLong = errors.New("item id must be at most 255 characters")
	// ErrItemIDInvalidChars is returned when an item id contains invalid characters.
	ErrItemIDInvalidChars = errors.New("item id can only contain letters, numbers, dots, colons, underscores, and hyphens")

	// ErrCategoryEmpty is returned when a category name is empty.
	ErrCategoryEmpty = errors.New("category is required")
	// ErrCategoryTooLong is returned when a category exceeds 100 characters.
	ErrCategoryTooLong = errors.New("category must be at most 100 characters")
	// ErrCategoryInvalidChars is returned when a category contains a slash.
	ErrCategoryInvalidChars = errors.New("category must not contain '/'")

	// ErrMetadataKeyEmpty is returned when a metadata map contains an empty key.
	ErrMetadataKeyEmpty = errors.New("metadata keys must not be empty")
)

var itemIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// ItemID validates an item identifier.
// Rules: 1-255 characters, letters, numbers, dots, colons, underscores, hyphens.
func ItemID(id string) error {
	if id == "" {
		return ErrItemIDEmpty
	}
	if len(id) > 255 {
		return ErrItemIDTooLong
	}
	if !itemIDRegex.MatchString(id) {
		return ErrItemIDInvalidChars
	}
	return nil
}

// Category validates a category name.
// Rules: 1-100 characters; '/' is reserved as the category index separator.
func Category(category string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		return ErrCategoryEmpty
	}
	if len(category) > 100 {
		return ErrCategoryTooLong
	}
	if strings.Contains(category, "/") {
		return ErrCategoryInvalidChars
	}
	return nil
}

// Metadata validates an unencrypted metadata map.
func Metadata(md map[string]string) error {
	for k := range md {
		if strings.TrimSpace(k) == "" {
			return ErrMetadataKeyEmpty
		}
	}
	return nil
}
