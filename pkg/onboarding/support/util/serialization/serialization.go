// Package serialization converts execution documents to and from their persisted JSON form.
package serialization

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const module = "serialization"

// secretKeyFragments mark document keys whose values are masked in logs.
var secretKeyFragments = []string{"password", "secret", "api_key", "token", "credential"}

// MarshalDocument serializes a document. A nil document becomes "{}".
func MarshalDocument(doc map[string]interface{}) ([]byte, error) {
	if doc == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorf("Failed to serialize execution document: %v", err)
		return nil, exception.NewOnboardingError(module, "failed to serialize execution document", err, exception.Fatal)
	}
	return data, nil
}

// UnmarshalDocument decodes data into a fresh document. Numbers are kept as json.Number
// so that row indexes survive a round trip unchanged.
func UnmarshalDocument(data []byte) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		logger.Errorf("Failed to deserialize execution document: %v", err)
		return nil, exception.NewOnboardingError(module, "failed to deserialize execution document", err, exception.Fatal)
	}
	return doc, nil
}

// MaskSecrets returns a shallow copy of m with secret-looking values replaced.
func MaskSecrets(m map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(m))
	for k, v := range m {
		lower := strings.ToLower(k)
		secret := false
		for _, frag := range secretKeyFragments {
			if strings.Contains(lower, frag) {
				secret = true
				break
			}
		}
		if secret {
			masked[k] = "********"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			masked[k] = MaskSecrets(nested)
			continue
		}
		masked[k] = v
	}
	return masked
}
