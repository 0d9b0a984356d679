/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stretchr/testify/require"
)

// RequireErrorIsAny asserts that errors.Is(err, target) holds for at least one of the targets.
// It is useful when a race decides which of several sentinel errors is returned.
func RequireErrorIsAny(t require.TestingT, err error, targets []error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	texts := make([]string, 0, len(targets))
	for _, target := range targets {
		if errors.Is(err, target) {
			return
		}
		texts = append(texts, fmt.Sprintf("%q", target.Error()))
	}
	require.FailNow(t, fmt.Sprintf("None of the target errors is in the chain:\n"+
		"targets:  [%s]\n"+
		"in chain: %s", strings.Join(texts, "; "), errorChain(err)), msgAndArgs...)
}

func errorChain(err error) string {
	if err == nil {
		return "<nil>"
	}
	var sb strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if sb.Len() != 0 {
			sb.WriteString("\n\t")
		}
		_, _ = fmt.Fprintf(&sb, "%q", e.Error())
	}
	return sb.String()
}
