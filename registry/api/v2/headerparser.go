package v2

import (
	"fmt"
	"strings"
	"unicode"
)

// parseForwardedHeader parses the first element of a Forwarded header as
// defined by RFC 7239. Parameter names are lower cased and quoted values
// unquoted. The remainder after the first element is returned as rest.
func parseForwardedHeader(forwarded string) (params map[string]string, rest string, err error) {
	params = map[string]string{}
	first, rest, _ := strings.Cut(forwarded, ",")

	for _, pair := range strings.Split(first, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, rest, fmt.Errorf("malformed forwarded parameter %q", pair)
		}
		for _, r := range key {
			if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
				return nil, rest, fmt.Errorf("invalid forwarded parameter name %q", key)
			}
		}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
		}
		params[strings.ToLower(key)] = value
	}
	return params, strings.TrimSpace(rest), nil
}
