package types

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// RawEnvelope gives path access to an inbound envelope before it is typed.
type RawEnvelope struct {
	body []byte
	data map[string]any
}

func LoadAsRawEnvelope(body []byte) (*RawEnvelope, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "envelope is not a json object")
	}
	return &RawEnvelope{body, data}, nil
}

func (r *RawEnvelope) GetData() map[string]any {
	return r.data
}

func (r *RawEnvelope) get(key string) (any, bool) {
	var value any = r.data
	for _, k := range strings.Split(key, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawEnvelope) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok && len(arr) > 0 {
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawEnvelope) MustGetString(key string) string {
	str, _ := r.GetString(key)
	return str
}

// Type returns the lower-cased discriminator.
func (r *RawEnvelope) Type() string {
	return strings.ToLower(strings.TrimSpace(r.MustGetString("type")))
}

// Decode unmarshals the envelope into v.
func (r *RawEnvelope) Decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return NewValidationError("body", err.Error())
	}
	return nil
}
