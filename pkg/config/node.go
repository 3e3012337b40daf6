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
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// A node in our configuration tree.
//
// Leaf nodes carry registered fragments. Internal nodes link fragments
// together according to their registered paths. Any internal node may
// also carry a fragment of its own.
type node struct {
	path     Path             // path from root configuration
	ptr      interface{}      // fragment registered for this node, if any
	children map[string]*node // child nodes, by canonical name
	cfgType  reflect.Type     // struct type compiled for this subtree
	cfgValue reflect.Value    // instance of cfgType wired to the fragments
}

func newNode(path Path, ptr interface{}) *node {
	return &node{
		path:     path.Clone(),
		ptr:      ptr,
		children: map[string]*node{},
	}
}

// Reset all fragments in this subtree.
func (n *node) Reset() {
	for _, name := range n.childNames() {
		n.children[name].Reset()
	}
	if n.ptr != nil {
		n.ptr.(Fragment).Reset()
	}
}

// Validate all fragments in this subtree, collecting all errors.
func (n *node) Validate() error {
	var errors *multierror.Error

	for _, name := range n.childNames() {
		if err := n.children[name].Validate(); err != nil {
			errors = multierror.Append(errors, err)
		}
	}

	if v, ok := n.ptr.(FragmentValidator); ok {
		if err := v.Validate(); err != nil {
			errors = multierror.Append(errors, fmt.Errorf("%q: %w", n.path.String(), err))
		}
	}

	return errors.ErrorOrNil()
}

// SetYAML resets the subtree then applies the given YAML data to it.
func (n *node) SetYAML(raw []byte) error {
	if err := n.compile(); err != nil {
		return err
	}

	n.Reset()
	if err := yaml.UnmarshalStrict(raw, n.cfgValue.Interface()); err != nil {
		return err
	}

	if err := n.Validate(); err != nil {
		return err
	}

	return n.Configure()
}

// Configure notifies all fragments in this subtree about applied configuration.
func (n *node) Configure() error {
	var errors *multierror.Error

	for _, name := range n.childNames() {
		if err := n.children[name].Configure(); err != nil {
			errors = multierror.Append(errors, err)
		}
	}

	if c, ok := n.ptr.(FragmentConfigurer); ok {
		if err := c.Configure(); err != nil {
			errors = multierror.Append(errors, fmt.Errorf("%q: %w", n.path.String(), err))
		}
	}

	return errors.ErrorOrNil()
}

// GetYAML returns the subtree data as YAML.
func (n *node) GetYAML() ([]byte, error) {
	if err := n.compile(); err != nil {
		return nil, err
	}
	return yaml.Marshal(n.cfgValue.Interface())
}

// GetConfig returns the fragment at the given path relative to this node.
func (n *node) GetConfig(path string) (interface{}, bool) {
	p := n.get(path)
	if p == nil || p.ptr == nil {
		return nil, false
	}
	return p.ptr, true
}

func (n *node) add(path Path, ptr interface{}) error {
	if err := path.Validate(); err != nil {
		return err
	}

	p := n
	for idx, name := range path.Canonical() {
		c, ok := p.children[name]
		if !ok {
			c = newNode(path.Sub(0, idx+1), nil)
			p.children[name] = c
		}
		p = c
	}

	if p.ptr != nil {
		return fmt.Errorf("conflict with %q %T", p.path.String(), p.ptr)
	}

	p.path = path.Clone()
	p.ptr = ptr

	return nil
}

func (n *node) get(path string) *node {
	p := n
	for _, name := range makePath(path).Canonical() {
		c, ok := p.children[name]
		if !ok {
			return nil
		}
		p = c
	}
	return p
}

// invalidate drops compiled types so that the next use recompiles them.
func (n *node) invalidate() {
	for _, c := range n.children {
		c.invalidate()
	}
	n.cfgType = nil
	n.cfgValue = reflect.Value{}
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

func (n *node) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compile constructs, using reflection, a struct type for the subtree
// rooted at this node, and an instance of it with every field pointing
// at the corresponding registered fragment (or fragment field). The
// instance can then be directly (un)marshalled.
func (n *node) compile() error {
	if n.cfgValue.IsValid() {
		return nil
	}

	if n.isLeaf() {
		if n.ptr == nil {
			n.cfgType = reflect.TypeOf(struct{}{})
			n.cfgValue = reflect.New(n.cfgType)
			return nil
		}
		n.cfgType = reflect.TypeOf(n.ptr).Elem()
		n.cfgValue = reflect.ValueOf(n.ptr)
		return nil
	}

	names := n.childNames()
	for _, name := range names {
		if err := n.children[name].compile(); err != nil {
			return err
		}
	}

	fields := []reflect.StructField{}

	// a fragment at an internal node: its fields are inlined as pointers
	if n.ptr != nil {
		for _, f := range reflect.VisibleFields(reflect.TypeOf(n.ptr).Elem()) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			if _, clash := n.children[f.Name]; clash {
				return fmt.Errorf("field %s of %q %T clashes with a child fragment",
					f.Name, n.path.String(), n.ptr)
			}
			ftype := f.Type
			if ftype.Kind() != reflect.Pointer {
				ftype = reflect.PointerTo(ftype)
			}
			fields = append(fields, reflect.StructField{Name: f.Name, Type: ftype, Tag: f.Tag})
		}
	}

	for _, name := range names {
		c := n.children[name]
		fields = append(fields, reflect.StructField{
			Name: name,
			Type: reflect.PointerTo(c.cfgType),
			Tag:  reflect.StructTag(c.path.StructTags()),
		})
	}

	n.cfgType = reflect.StructOf(fields)
	n.cfgValue = reflect.New(n.cfgType)

	if n.ptr != nil {
		v := reflect.ValueOf(n.ptr).Elem()
		for _, f := range reflect.VisibleFields(v.Type()) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			src := v.FieldByIndex(f.Index)
			if f.Type.Kind() != reflect.Pointer {
				src = src.Addr()
			}
			n.cfgValue.Elem().FieldByName(f.Name).Set(src)
		}
	}

	for _, name := range names {
		n.cfgValue.Elem().FieldByName(name).Set(n.children[name].cfgValue)
	}

	return nil
}

func (n *node) dump(level int, withData bool) string {
	str := ""

	if n.ptr != nil {
		str = fmt.Sprintf("%s%T\n", indent(level), n.ptr)
		if withData {
			data, err := yaml.Marshal(n.ptr)
			if err != nil {
				str += fmt.Sprintf("%s| <failed to marshal: %v>\n", indent(level+2), err)
			} else {
				for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
					str += fmt.Sprintf("%s| %s\n", indent(level+2), line)
				}
			}
		}
	}

	for _, name := range n.childNames() {
		str += fmt.Sprintf("%s%s:\n", indent(level), name)
		str += n.children[name].dump(level+2, withData)
	}

	return str
}

func (n *node) describe() string {
	str := ""
	if n.ptr != nil {
		str += fmt.Sprintf("%s: %s\n", n.path.String(), n.ptr.(Fragment).Describe())
	}
	for _, name := range n.childNames() {
		str += n.children[name].describe()
	}
	return str
}

func indent(level int) string {
	return fmt.Sprintf("%*s", level, "")
}

const (
	pathSep = "."
	wordSep = "-"
)

// Path is the location of a fragment in the configuration tree.
type Path []string

func makePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return strings.Split(s, pathSep)
}

// Validate checks that the path has no empty components.
func (p Path) Validate() error {
	for _, name := range p {
		if name == "" {
			return fmt.Errorf("invalid path %q, has empty name", p.String())
		}
	}
	return nil
}

func (p Path) String() string {
	return strings.Join(p, pathSep)
}

// Clone returns a copy of the path.
func (p Path) Clone() Path {
	c := make(Path, p.Len())
	copy(c, p)
	return c
}

// Sub returns the given slice of the path.
func (p Path) Sub(beg, end int) Path {
	return p[beg:end]
}

// Name returns the last component of the path.
func (p Path) Name() string {
	return p[p.Len()-1]
}

// FieldName returns the Go struct field name for the path.
func (p Path) FieldName() string {
	return goName(p.Name())
}

// StructTags returns the struct tags for the path.
func (p Path) StructTags() string {
	return fmt.Sprintf(`json:"%s,omitempty"`, lowerFirst(p.FieldName()))
}

// Canonical returns the path with each component converted to a Go name.
func (p Path) Canonical() Path {
	c := make(Path, 0, p.Len())
	for _, word := range p {
		c = append(c, goName(word))
	}
	return c
}

// Len returns the number of components in the path.
func (p Path) Len() int {
	return len(p)
}

// goName converts a dash-separated name to a CamelCase Go name.
func goName(name string) string {
	b := strings.Builder{}
	for _, w := range strings.Split(name, wordSep) {
		if w == "" {
			continue
		}
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}

func lowerFirst(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
