// Package validation содержит функции валидации входных данных.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// CodeLength включает контрольную цифру.
const CodeLength = 12

// IsValidCode проверяет контрольную цифру кода заявки по алгоритму Луна.
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	return IsValidLuhn(code)
}

// IsValidLuhn проверяет строку из цифр по алгоритму Луна.
func IsValidLuhn(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// LuhnCheckDigit вычисляет контрольную цифру, которую нужно дописать к payload.
func LuhnCheckDigit(payload string) (byte, error) {
	sum := 0
	double := true

	for i := len(payload) - 1; i >= 0; i-- {
		ch := payload[i]
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("non-digit %q in payload", ch)
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return byte('0' + (10-sum%10)%10), nil
}

// GenerateCode создаёт случайный код заявки с контрольной цифрой.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	ten := big.NewInt(10)
	for i := 0; i < CodeLength-1; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	check, err := LuhnCheckDigit(b.String())
	if err != nil {
		return "", err
	}
	b.WriteByte(check)
	return b.String(), nil
}

// NormalizeCode убирает пробелы, дефисы и точки, которыми сотрудник мог разбить код при вводе.
func NormalizeCode(raw string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '.' || r == '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
}
