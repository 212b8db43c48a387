// Package errors provides classified error primitives used across the on-demand
// dev server.
//
// A ClassifiedError carries a category (what kind of failure), a severity (how
// far it propagates) and a retry strategy, plus structured context that the
// HTTP and CLI adapters render for users.
//
//	err := errors.NotFoundError("page not found").
//		WithContext("route", "/blog").
//		Build()
package errors
