// Package api holds the service's OpenAPI document.
package api

import _ "embed"

//go:embed openapi.json
var OpenAPISpec []byte
