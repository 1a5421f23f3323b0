// Package testutil contains helper builders and recorders used across tests
// to reduce boilerplate when constructing sessions and transcripts and when
// asserting on published events. They are not intended for production usage.
package testutil
