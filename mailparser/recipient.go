package mailparser

import (
	"strings"

	"github.com/go-playground/validator"
)

var validate = validator.New()

// IsValidEmail reports whether s is a bare mailbox address (no display name).
func IsValidEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " <>\"") {
		return false
	}
	return validate.Var(s, "required,email") == nil
}

// Address returns the mbox@host part of a single address with an optional display name.
func Address(s string) string {
	_, mbox, host := ParseAddress(s)
	if host == "" {
		return mbox
	}
	return mbox + "@" + host
}

// Domain returns the lower-cased host part of an address.
func Domain(s string) string {
	_, _, host := ParseAddress(s)
	return strings.ToLower(host)
}

// ParseRecipients parses a comma/semicolon/newline separated list, drops
// invalid addresses and removes case-insensitive duplicates keeping the first spelling.
func ParseRecipients(s string) []string {
	list, err := ParseAddressList(s)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(list))
	var out []string
	for _, a := range list {
		addr := Address(a)
		if !IsValidEmail(addr) {
			continue
		}
		k := strings.ToLower(addr)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, addr)
	}
	return out
}

// Exclude returns the addresses of list that are not in any of the others, compared case-insensitively.
func Exclude(list []string, others ...[]string) []string {
	skip := make(map[string]bool)
	for _, o := range others {
		for _, a := range o {
			skip[strings.ToLower(a)] = true
		}
	}
	var out []string
	for _, a := range list {
		if !skip[strings.ToLower(a)] {
			out = append(out, a)
		}
	}
	return out
}
