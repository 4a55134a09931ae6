// Package schemas embeds the JSON Schemas for the engine wire formats.
package schemas

import _ "embed"

// CallbackV1 validates envelopes posted back by the workflow engine.
//
//go:embed callback_v1.schema.json
var CallbackV1 string

// DispatchV1 describes the payload sent to the workflow engine.
//
//go:embed dispatch_v1.schema.json
var DispatchV1 string
