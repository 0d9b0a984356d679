/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// HeaderSupplier returns headers for a request. It is called every time the request is fired,
// unless Options.OverrideHeaders is set.
type HeaderSupplier func() Headers

// buildRequestHeaders combines supplier output, override headers and augment headers.
// Later sources take precedence.
func buildRequestHeaders(supplier HeaderSupplier, opts *Options) Headers {
	res := Headers{}
	if supplier != nil && opts.OverrideHeaders == nil {
		for k, v := range supplier() {
			res[k] = v
		}
	}
	for k, v := range opts.OverrideHeaders {
		res[k] = v
	}
	for k, v := range opts.AugmentHeaders {
		res[k] = v
	}
	return res
}

type headerPair struct {
	key   string
	value string
}

// checkHeaders validates headers set by the caller and returns the ones that should be sent,
// in a stable order, together with the keys that were dropped because of empty values.
func checkHeaders(h Headers) (pairs []headerPair, dropped []string, err error) {
	seen := make(map[string]string, len(h))
	for _, key := range sortedKeys(h) {
		lower := strings.ToLower(key)
		switch lower {
		case "content-type":
			return nil, nil, errors.New("don't set Content-Type with headers, use the ContentType option")
		case "accept":
			return nil, nil, errors.New("don't set Accept with headers, use the AcceptType option")
		}
		if prev, ok := seen[lower]; ok {
			return nil, nil, fmt.Errorf("setting duplicate header key: %s and %s", prev, key)
		}
		seen[lower] = key

		val := h[key]
		if val == "" {
			dropped = append(dropped, key)
			continue
		}
		pairs = append(pairs, headerPair{key, val})
	}
	return pairs, dropped, nil
}

var headerLinesSeparator = regexp.MustCompile(`\r?\n`)

// parseResponseHeaders parses raw "Key: value" lines into a map with lower-cased keys.
func parseResponseHeaders(raw string) Headers {
	res := Headers{}
	for _, line := range headerLinesSeparator.Split(raw, -1) {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx == -1 {
			res[line] = ""
			continue
		}
		res[strings.ToLower(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	return res
}
