// Package v2 describes the URL surface of the registry API: the route table
// served by the handlers, the repository name grammar and a URL builder for
// Location and Link headers.
package v2
