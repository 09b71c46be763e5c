// Package logx provides a small structured logging layer over zerolog.
//
// Components receive a Logger by value and derive scoped loggers with
// With(). The zero value is a safe no-op, so optional logging never
// needs nil checks.
package logx
