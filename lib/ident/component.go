// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"fmt"
	"strings"
)

// Component names one statically declared recipient inside an
// installed package: the package name plus the recipient's class-like
// name within it. The canonical string form is "package/name".
//
// Component is an immutable value type. The zero value is not valid;
// use IsZero to check.
type Component struct {
	pkg  string
	name string
}

// NewComponent validates and builds a Component from its two parts.
// Both parts must be non-empty and free of the '/' separator.
func NewComponent(pkg, name string) (Component, error) {
	if pkg == "" {
		return Component{}, fmt.Errorf("component package is empty")
	}
	if name == "" {
		return Component{}, fmt.Errorf("component name is empty")
	}
	if strings.ContainsRune(pkg, '/') {
		return Component{}, fmt.Errorf("component package %q contains '/'", pkg)
	}
	if strings.ContainsRune(name, '/') {
		return Component{}, fmt.Errorf("component name %q contains '/'", name)
	}
	return Component{pkg: pkg, name: name}, nil
}

// MustComponent is NewComponent that panics on error. For tests and
// package-level declarations of known-good names.
func MustComponent(pkg, name string) Component {
	c, err := NewComponent(pkg, name)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseComponent parses the canonical "package/name" form.
func ParseComponent(raw string) (Component, error) {
	pkg, name, ok := strings.Cut(raw, "/")
	if !ok {
		return Component{}, fmt.Errorf("component %q is missing the '/' separator", raw)
	}
	return NewComponent(pkg, name)
}

// Package returns the declaring package name.
func (c Component) Package() string { return c.pkg }

// Name returns the recipient name within the package.
func (c Component) Name() string { return c.name }

// IsZero reports whether the Component is the zero value.
func (c Component) IsZero() bool { return c.pkg == "" && c.name == "" }

// String returns the canonical "package/name" form, or "" for the
// zero value.
func (c Component) String() string {
	if c.IsZero() {
		return ""
	}
	return c.pkg + "/" + c.name
}

// MarshalText implements encoding.TextMarshaler using the canonical
// string form.
func (c Component) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (c *Component) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = Component{}
		return nil
	}
	parsed, err := ParseComponent(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
