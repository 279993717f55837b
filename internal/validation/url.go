// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
)

// MaxTargetURLLength ограничивает длину ссылки в заказе.
const MaxTargetURLLength = 2048

// MaxNotesLength ограничивает длину комментария к заказу.
const MaxNotesLength = 1000

// IsValidTargetURL проверяет, что ссылка абсолютная, со схемой http или https и непустым хостом.
func IsValidTargetURL(raw string) bool {
	if raw == "" || len(raw) > MaxTargetURLLength {
		return false
	}
	if strings.TrimSpace(raw) != raw {
		return false
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return u.Hostname() != ""
}

// IsValidNotes проверяет длину комментария к заказу.
func IsValidNotes(notes string) bool {
	return len([]rune(notes)) <= MaxNotesLength
}
