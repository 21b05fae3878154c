package validate

import (
	"errors"
	"unicode/utf8"
)

const (
	usernameMinLen = 2
	usernameMaxLen = 50
	passwordMinLen = 8
	passwordMaxLen = 128
)

// Username may contain latin letters, digits, '.', '_' and '-'
func Username(username string) error {
	if n := len(username); n < usernameMinLen || n > usernameMaxLen {
		return errors.New("username length is out of range")
	}

	for i := 0; i < len(username); i++ {
		c := username[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return errors.New("username contains invalid characters")
		}
	}

	return nil
}

// Password is checked for length only, any characters are allowed
func Password(password string) error {
	if !utf8.ValidString(password) {
		return errors.New("password is not valid utf-8")
	}
	if n := utf8.RuneCountInString(password); n < passwordMinLen || n > passwordMaxLen {
		return errors.New("password length is out of range")
	}
	return nil
}
