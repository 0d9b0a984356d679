/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/ssgreg/logf"
)

// MaskingLogger masks secrets in messages and fields before passing them to the underlying logger.
// A failed request logs its URL, so credentials passed in the query string would leak otherwise.
// Fields of arbitrary types (log.Any) are not masked.
type MaskingLogger struct {
	log    FieldLogger
	masker StringMasker
}

// NewMaskingLogger wraps the logger.
func NewMaskingLogger(l FieldLogger, m StringMasker) FieldLogger {
	return &MaskingLogger{log: l, masker: m}
}

// With returns a new logger with the given additional fields.
func (l *MaskingLogger) With(fs ...Field) FieldLogger {
	return &MaskingLogger{log: l.log.With(l.maskFields(fs)...), masker: l.masker}
}

// Debug logs message at "debug" level.
func (l *MaskingLogger) Debug(text string, fs ...Field) {
	l.log.Debug(l.masker.Mask(text), l.maskFields(fs)...)
}

// Info logs message at "info" level.
func (l *MaskingLogger) Info(text string, fs ...Field) {
	l.log.Info(l.masker.Mask(text), l.maskFields(fs)...)
}

// Warn logs message at "warn" level.
func (l *MaskingLogger) Warn(text string, fs ...Field) {
	l.log.Warn(l.masker.Mask(text), l.maskFields(fs)...)
}

// Error logs message at "error" level.
func (l *MaskingLogger) Error(text string, fs ...Field) {
	l.log.Error(l.masker.Mask(text), l.maskFields(fs)...)
}

// AtLevel calls fn only if the level is enabled. Entries logged by fn are masked too.
func (l *MaskingLogger) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.log.AtLevel(level, func(logFunc LogFunc) {
		fn(func(msg string, fs ...Field) {
			logFunc(l.masker.Mask(msg), l.maskFields(fs)...)
		})
	})
}

// WithLevel returns a new logger with additional level check.
func (l *MaskingLogger) WithLevel(level Level) FieldLogger {
	return &MaskingLogger{log: l.log.WithLevel(level), masker: l.masker}
}

// maskFields returns the original slice if nothing was masked.
func (l *MaskingLogger) maskFields(fields []Field) []Field {
	var res []Field
	for i := range fields {
		masked, changed := l.maskField(fields[i])
		if !changed {
			continue
		}
		if res == nil {
			res = append([]Field(nil), fields...)
		}
		res[i] = masked
	}
	if res == nil {
		return fields
	}
	return res
}

var stringSliceType = reflect.TypeOf([]string{})

func (l *MaskingLogger) maskField(field Field) (Field, bool) {
	switch field.Type {
	case logf.FieldTypeBytesToString:
		if m := l.masker.Mask(string(field.Bytes)); m != string(field.Bytes) {
			return String(field.Key, m), true
		}
	case logf.FieldTypeBytes, logf.FieldTypeRawBytes:
		if field.Bytes != nil {
			if m := l.masker.Mask(string(field.Bytes)); m != string(field.Bytes) {
				return logf.ConstBytes(field.Key, []byte(m)), true
			}
		}
	case logf.FieldTypeError:
		if err, ok := field.Any.(error); ok {
			if s := err.Error(); l.masker.Mask(s) != s {
				return NamedError(field.Key, newMaskedError(err, l.masker)), true
			}
		}
	case logf.FieldTypeArray:
		if field.Any == nil {
			return field, false
		}
		v := reflect.ValueOf(field.Any)
		if !v.CanConvert(stringSliceType) {
			return field, false
		}
		ss := v.Convert(stringSliceType).Interface().([]string)
		masked := make([]string, len(ss))
		changed := false
		for i, s := range ss {
			masked[i] = l.masker.Mask(s)
			changed = changed || masked[i] != s
		}
		if changed {
			return Strings(field.Key, masked), true
		}
	}
	return field, false
}

func newMaskedError(err error, m StringMasker) error {
	if _, ok := err.(fmt.Formatter); ok {
		return maskedError{msg: m.Mask(err.Error()), verbose: m.Mask(fmt.Sprintf("%+v", err))}
	}
	return errors.New(m.Mask(err.Error()))
}

// maskedError keeps the masked "%+v" representation for the verbose error field.
type maskedError struct {
	msg     string
	verbose string
}

func (e maskedError) Error() string {
	return e.msg
}

func (e maskedError) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, e.verbose)
}
