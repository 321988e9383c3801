// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// NormalizeMemberCode приводит отсканированный или введённый вручную номер карты
// к каноническому виду: без пробелов по краям, в верхнем регистре.
func NormalizeMemberCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsValidMemberCode проверяет формат номера карты участника: WF-YYYY-NNNNNN.
// Номер считается корректным только после нормализации.
func IsValidMemberCode(code string) bool {
	// WF-2024-000123 — 14 символов
	if len(code) != 14 {
		return false
	}

	if code[0] != 'W' || code[1] != 'F' || code[2] != '-' || code[7] != '-' {
		return false
	}

	for _, i := range []int{3, 4, 5, 6} {
		if !unicode.IsDigit(rune(code[i])) {
			return false
		}
	}

	for i := 8; i < 14; i++ {
		if !unicode.IsDigit(rune(code[i])) {
			return false
		}
	}

	return true
}
