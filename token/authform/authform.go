// Package authform parses the HTML login form the token server returns
// in place of a MessagePack response when a `/commitments` request is
// unauthenticated (dsnet spec §6 "the client then submits credentials
// via a form parser to the redirected login URL and retries").
// Grounded on original_source/dsnetclient/form_parser.py's bs_parser,
// which walks the first <form>'s <input> tags for hidden/password/user
// fields; no HTML-parsing library appears anywhere in the retrieved
// pack, so this is a minimal byte-scan rather than a full DOM parser
// (documented as a stdlib exception, not a design preference).
package authform

import (
	"errors"
	"regexp"
)

// ErrNoForm is returned when the page contains no <form> element.
var ErrNoForm = errors.New("authform: no form found in page")

var (
	formActionRe = regexp.MustCompile(`(?is)<form[^>]*\baction\s*=\s*["']([^"']*)["'][^>]*>`)
	inputRe      = regexp.MustCompile(`(?is)<input\b[^>]*>`)
	attrRe       = regexp.MustCompile(`(?is)\b(type|name|value)\s*=\s*["']([^"']*)["']`)
)

// Parse extracts the login form's action URL and a parameter map ready
// to submit as application/x-www-form-urlencoded body: hidden fields
// verbatim, the password field set to password, and every text field
// whose name starts with "user" set to username. Inputs are collected
// from the whole page, not only from inside the form.
func Parse(html []byte, username, password string) (formURL string, params map[string]string, err error) {
	m := formActionRe.FindSubmatch(html)
	if m == nil {
		return "", nil, ErrNoForm
	}
	formURL = string(m[1])
	params = make(map[string]string)

	for _, inputTag := range inputRe.FindAll(html, -1) {
		attrs := make(map[string]string)
		for _, am := range attrRe.FindAllSubmatch(inputTag, -1) {
			attrs[string(am[1])] = string(am[2])
		}
		typ := attrs["type"]
		name := attrs["name"]
		if name == "" {
			continue
		}
		switch {
		case typ == "hidden":
			if v, ok := attrs["value"]; ok {
				params[name] = v
			}
		case typ == "password":
			params[name] = password
		case typ == "text" && hasPrefix(name, "user"):
			params[name] = username
		}
	}
	return formURL, params, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
