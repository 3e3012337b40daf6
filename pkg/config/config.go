// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
)

// Fragment is a piece of configuration registered by some package.
//
// Fragments are plain structs registered by pointer under a dotted
// path. The path determines where the fragment is located within the
// full configuration tree. For instance, a fragment registered as
// "gc.scheduling" is configured by the YAML data
//
//	gc:
//	  scheduling:
//	    <fragment fields>
//
// Reset is used to restore the defaults of a fragment before new
// configuration data is applied. Describe provides a short human-
// readable description for the fragment.
type Fragment interface {
	Reset()
	Describe() string
}

// FragmentValidator is implemented by fragments which can verify their own data.
type FragmentValidator interface {
	Validate() error
}

// FragmentConfigurer is implemented by fragments which need to act on
// new configuration once it has been successfully applied and validated.
type FragmentConfigurer interface {
	Configure() error
}

// root of our configuration tree
var root = newNode(Path{}, nil)

// Register registers a configuration fragment at the given path.
func Register(path string, ptr interface{}) error {
	if ptr == nil {
		return configError("can't register nil fragment for %q", path)
	}

	t := reflect.TypeOf(ptr)
	if t.Kind() != reflect.Pointer {
		return configError("can't register non-pointer %T for %q", ptr, path)
	}
	if t.Elem().Kind() != reflect.Struct {
		return configError("can't register non-struct pointer %T for %q", ptr, path)
	}
	if _, ok := ptr.(Fragment); !ok {
		return configError("can't register %T for %q, not a Fragment", ptr, path)
	}

	p := makePath(path)
	if p.Len() == 0 {
		return configError("can't register %T with an empty path", ptr)
	}

	if err := root.add(p, ptr); err != nil {
		return configError("failed to register %T for %q: %w", ptr, path, err)
	}
	root.invalidate()

	ptr.(Fragment).Reset()

	return nil
}

// MustRegister registers a configuration fragment, panicking on failure.
func MustRegister(path string, ptr interface{}) {
	if err := Register(path, ptr); err != nil {
		panic(err)
	}
}

// SetYAML resets the configuration then applies the given YAML data.
func SetYAML(raw []byte) error {
	if err := root.SetYAML(raw); err != nil {
		return configError("failed to apply configuration: %w", err)
	}
	return nil
}

// SetYAMLFile resets the configuration then applies the given YAML file.
func SetYAMLFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return configError("failed to read configuration file %q: %w", path, err)
	}
	return SetYAML(raw)
}

// GetYAML returns the full current configuration as YAML.
func GetYAML() ([]byte, error) {
	return root.GetYAML()
}

// GetConfig returns the fragment registered at the given path.
func GetConfig(path string) (interface{}, bool) {
	return root.GetConfig(path)
}

// Reset resets all registered fragments to their defaults.
func Reset() {
	root.Reset()
}

// Validate validates all registered fragments.
func Validate() error {
	return root.Validate()
}

// Describe returns a description of all registered fragments.
func Describe() string {
	return root.describe()
}

// Dump returns the structure, and optionally the data, of the configuration tree.
func Dump(withData bool) string {
	return root.dump(0, withData)
}

// ReInitialize drops all registered fragments. It is only useful for tests.
func ReInitialize() {
	root = newNode(Path{}, nil)
}

// configError returns a formatted configuration-specific error.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
