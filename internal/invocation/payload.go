package invocation

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformedRequest marks a request rejected before the engine is called.
var ErrMalformedRequest = errors.New("malformed request")

//go:embed payload.schema.json
var payloadSchemaJSON []byte

var payloadSchema *gojsonschema.Schema

func init() {
	var err error
	payloadSchema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(payloadSchemaJSON))
	if err != nil {
		panic("invocation: payload schema: " + err.Error())
	}
}

// Payload is the inbound request body.
type Payload struct {
	Input     string `json:"input"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// DecodePayload validates data against the payload schema and decodes it.
// Unknown fields are ignored.
func DecodePayload(data []byte) (Payload, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Payload{}, fmt.Errorf("%w: empty body", ErrMalformedRequest)
	}

	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Payload{}, fmt.Errorf("%w: %s", ErrMalformedRequest, strings.Join(msgs, "; "))
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return p, nil
}
