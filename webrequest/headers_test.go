/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequestHeaders(t *testing.T) {
	supplier := func() Headers { return Headers{"Authorization": "token", "X-Client": "web"} }

	t.Run("supplier with augment", func(t *testing.T) {
		opts := Options{AugmentHeaders: Headers{"X-Client": "cli"}}
		require.Equal(t, Headers{"Authorization": "token", "X-Client": "cli"}, buildRequestHeaders(supplier, &opts))
	})

	t.Run("override replaces supplier", func(t *testing.T) {
		opts := Options{OverrideHeaders: Headers{"X-Only": "1"}, AugmentHeaders: Headers{"X-More": "2"}}
		require.Equal(t, Headers{"X-Only": "1", "X-More": "2"}, buildRequestHeaders(supplier, &opts))
	})

	t.Run("no supplier", func(t *testing.T) {
		require.Empty(t, buildRequestHeaders(nil, &Options{}))
	})
}

func TestCheckHeaders(t *testing.T) {
	pairs, dropped, err := checkHeaders(Headers{"X-B": "2", "X-A": "1", "X-Empty": ""})
	require.NoError(t, err)
	require.Equal(t, []headerPair{{"X-A", "1"}, {"X-B", "2"}}, pairs)
	require.Equal(t, []string{"X-Empty"}, dropped)

	_, _, err = checkHeaders(Headers{"ACCEPT": "text/plain"})
	require.EqualError(t, err, "don't set Accept with headers, use the AcceptType option")

	_, _, err = checkHeaders(Headers{"Content-Type": "text/plain"})
	require.EqualError(t, err, "don't set Content-Type with headers, use the ContentType option")

	_, _, err = checkHeaders(Headers{"X-Id": "1", "x-id": "2"})
	require.EqualError(t, err, "setting duplicate header key: X-Id and x-id")
}

func TestParseResponseHeaders(t *testing.T) {
	raw := "Content-Type: application/json\r\nX-Request-Id:  abc \nETag: \"v1\"\r\n"
	require.Equal(t, Headers{
		"content-type": "application/json",
		"x-request-id": "abc",
		"etag":         `"v1"`,
	}, parseResponseHeaders(raw))
	require.Empty(t, parseResponseHeaders(""))
}
