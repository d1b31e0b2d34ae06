// SPDX-License-Identifier: Apache-2.0

// Package parser turns raw provider output into typed records.
package parser

// Parser converts raw generated text into T. Implementations return an error
// wrapping domain.ErrMalformedResponse when the text has no usable structure.
type Parser[T any] interface {
	Parse(raw string) (T, error)
}

// Func adapts a plain function to the Parser interface.
type Func[T any] func(raw string) (T, error)

func (f Func[T]) Parse(raw string) (T, error) { return f(raw) }
