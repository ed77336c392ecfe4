package allocator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedAlias is returned for aliases this format did not produce.
var ErrMalformedAlias = errors.New("allocator: malformed alias")

// Format renders and parses plus-tagged aliases: local+<tag><n>@domain.
type Format struct {
	Local  string
	Tag    string
	Domain string
}

// ParseBaseAddress builds a Format from a mailbox address such as
// "signup@example.com".
func ParseBaseAddress(address, tag string) (Format, error) {
	local, domain, ok := strings.Cut(strings.TrimSpace(address), "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return Format{}, fmt.Errorf("base address %q: missing local part or domain", address)
	}
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	return Format{Local: local, Tag: tag, Domain: domain}, nil
}

func (f Format) Alias(n int64) string {
	return fmt.Sprintf("%s+%s%d@%s", f.Local, f.Tag, n, f.Domain)
}

// Sequence extracts n from an alias produced by Alias.
func (f Format) Sequence(alias string) (int64, error) {
	prefix := f.Local + "+" + f.Tag
	suffix := "@" + f.Domain
	if !strings.HasPrefix(alias, prefix) || !strings.HasSuffix(alias, suffix) || len(alias) <= len(prefix)+len(suffix) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAlias, alias)
	}
	digits := alias[len(prefix) : len(alias)-len(suffix)]
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAlias, alias)
	}
	return n, nil
}
