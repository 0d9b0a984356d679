/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads configuration of the dispatcher and its transport from
// YAML or JSON sources and environment variables. Every component describes its
// parameters with a Config implementation, and Loader fills them in.
package config

import (
	"fmt"
	"reflect"
)

// Config is a common interface for configuration objects that may be used by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is an interface for providing key prefix that will be used for configuration parameters.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// WrapKeyErr wraps error adding information about a key where this error occurs.
func WrapKeyErr(key string, err error) error {
	return fmt.Errorf("%s: %w", key, err)
}

// dataProviderFor returns dp scoped to the key prefix of cfg, if it has one.
func dataProviderFor(cfg Config, dp DataProvider) DataProvider {
	if kp, ok := cfg.(KeyPrefixProvider); ok && kp.KeyPrefix() != "" {
		return NewKeyPrefixedDataProvider(dp, kp.KeyPrefix())
	}
	return dp
}

// CallSetProviderDefaultsForFields calls SetProviderDefaults for every exported non-nil field
// of the struct pointed by obj that implements Config.
// It allows an aggregate configuration to be loaded as a single Config.
func CallSetProviderDefaultsForFields(obj interface{}, dp DataProvider) {
	_ = forEachConfigField(obj, func(c Config) error {
		c.SetProviderDefaults(dataProviderFor(c, dp))
		return nil
	})
}

// CallSetForFields calls Set for every exported non-nil field of the struct pointed by obj
// that implements Config. The first error stops the iteration.
func CallSetForFields(obj interface{}, dp DataProvider) error {
	return forEachConfigField(obj, func(c Config) error {
		return c.Set(dataProviderFor(c, dp))
	})
}

func forEachConfigField(obj interface{}, fn func(c Config) error) error {
	el := reflect.ValueOf(obj).Elem()
	for i := 0; i < el.NumField(); i++ {
		if !el.Type().Field(i).IsExported() {
			continue
		}
		field := el.Field(i)
		if (field.Kind() == reflect.Ptr || field.Kind() == reflect.Interface) && field.IsNil() {
			continue
		}
		c, ok := field.Interface().(Config)
		if !ok {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
