/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package webrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// Content type aliases accepted by Options.ContentType and Options.AcceptType.
const (
	ContentTypeJSON = "json"
	ContentTypeForm = "form"

	mimeJSON      = "application/json"
	mimeForm      = "application/x-www-form-urlencoded"
	mimeMultipart = "multipart/form-data"
)

// MapContentType expands a content type alias into a MIME type. Other values are returned as is.
func MapContentType(contentType string) string {
	switch contentType {
	case ContentTypeJSON:
		return mimeJSON
	case ContentTypeForm:
		return mimeForm
	}
	return contentType
}

func isJSONContentType(ct string) bool {
	return strings.HasPrefix(ct, mimeJSON)
}

func isFormContentType(ct string) bool {
	return strings.HasPrefix(ct, mimeForm)
}

func isMultipartContentType(ct string) bool {
	return strings.HasPrefix(ct, mimeMultipart)
}

func hasSendData(data any) bool {
	if data == nil {
		return false
	}
	if s, ok := data.(string); ok {
		return s != ""
	}
	return true
}

// encodeBody serializes the payload for the given MIME type.
// It returns the body and the Content-Type header value to send it with.
func encodeBody(data any, contentType string) ([]byte, string, error) {
	switch v := data.(type) {
	case string:
		if !isMultipartContentType(contentType) {
			return []byte(v), contentType, nil
		}
	case []byte:
		if !isMultipartContentType(contentType) {
			return v, contentType, nil
		}
	}

	switch {
	case isJSONContentType(contentType):
		b, err := json.Marshal(data)
		if err != nil {
			return nil, "", fmt.Errorf("encode json payload: %w", err)
		}
		return b, contentType, nil

	case isFormContentType(contentType):
		params, ok := payloadParams(data)
		if !ok {
			return nil, "", fmt.Errorf("%s content type requires a string or a map payload, got %T", mimeForm, data)
		}
		return []byte(encodeForm(params)), contentType, nil

	case isMultipartContentType(contentType):
		params, ok := payloadParams(data)
		if !ok {
			return nil, "", fmt.Errorf("%s content type requires a map payload, got %T", mimeMultipart, data)
		}
		return encodeMultipart(params)
	}

	return nil, "", fmt.Errorf("payload of type %T cannot be sent as %q", data, contentType)
}

func payloadParams(data any) (map[string]any, bool) {
	switch v := data.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		res := make(map[string]any, len(v))
		for k, val := range v {
			res[k] = val
		}
		return res, true
	case url.Values:
		res := make(map[string]any, len(v))
		for k := range v {
			res[k] = v.Get(k)
		}
		return res, true
	}
	return nil, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodeForm encodes parameters as application/x-www-form-urlencoded.
// A parameter with a falsy value is encoded without "=".
func encodeForm(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		val := params[k]
		if isFalsy(val) {
			parts = append(parts, url.QueryEscape(k))
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(fmt.Sprint(val)))
	}
	return strings.Join(parts, "&")
}

func encodeMultipart(params map[string]any) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(params) {
		switch val := params[k].(type) {
		case []byte:
			fw, err := w.CreateFormFile(k, k)
			if err != nil {
				return nil, "", err
			}
			if _, err = fw.Write(val); err != nil {
				return nil, "", err
			}
		case nil:
			if err := w.WriteField(k, ""); err != nil {
				return nil, "", err
			}
		default:
			if err := w.WriteField(k, fmt.Sprint(val)); err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return !rv.Bool()
	case reflect.String:
		return rv.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
