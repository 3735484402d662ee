package sources

import "errors"

var (
	// ErrConnect means the source could not be reached or rejected login.
	ErrConnect = errors.New("source connection failed")
	// ErrAuth means a bearer token could not be obtained.
	ErrAuth = errors.New("source authentication failed")
	// ErrQuery means the source rejected or failed a query.
	ErrQuery = errors.New("source query failed")
)
