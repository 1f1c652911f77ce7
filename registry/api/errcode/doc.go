// Package errcode provides a toolkit for defining and assigning error
// codes to HTTP API responses. An ErrorCode is identified globally
// by a string value, typically all uppercase, by convention. When an
// ErrorCode is registered, a value unique to the process is assigned,
// which can be used for identity tests.
//
// Every registry failure that reaches a client goes through this package:
// handlers append Error values to the request context and the dispatcher
// serves them in the envelope
//
//	{"errors": [{"code": "...", "message": "...", "detail": ...}]}
//
// using the HTTP status registered for the first error's code, or the
// status set with Error.WithStatus.
package errcode
