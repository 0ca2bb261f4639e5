// Package apiv1 embeds the OpenAPI document for the OTP HTTP API.
package apiv1

import _ "embed"

// Spec is the OpenAPI 3 JSON document served at /openapi.json. It is
// embedded at compile time so the binary works with scratch-based images.
//
//go:embed openapi.json
var Spec []byte
