package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t-sync/tsync/internal/resolver"
)

const (
	errMessageNotObject = "results document is not a JSON object"
)

var errResultsNotObject = errors.New(errMessageNotObject)

// ResultsMap is the ordered mapping from normalized phone number to the
// resolution outcome of the operator's most recent batch. Iteration and the
// JSON encoding both preserve first-insertion order.
type ResultsMap struct {
	order    []string
	outcomes map[string]resolver.Outcome
}

// NewResultsMap constructs an empty results map.
func NewResultsMap() *ResultsMap {
	return &ResultsMap{outcomes: make(map[string]resolver.Outcome)}
}

// Set records the outcome for a phone number, overwriting any prior outcome
// while keeping the number's original position.
func (results *ResultsMap) Set(phoneNumber string, outcome resolver.Outcome) {
	if _, exists := results.outcomes[phoneNumber]; !exists {
		results.order = append(results.order, phoneNumber)
	}
	results.outcomes[phoneNumber] = outcome
}

// Contains reports whether the phone number already has an outcome.
func (results *ResultsMap) Contains(phoneNumber string) bool {
	_, exists := results.outcomes[phoneNumber]
	return exists
}

// Outcome returns the outcome stored for a phone number.
func (results *ResultsMap) Outcome(phoneNumber string) (resolver.Outcome, bool) {
	outcome, exists := results.outcomes[phoneNumber]
	return outcome, exists
}

// Len returns the number of distinct phone numbers recorded.
func (results *ResultsMap) Len() int {
	return len(results.order)
}

// Phones returns the recorded phone numbers in insertion order.
func (results *ResultsMap) Phones() []string {
	ordered := make([]string, len(results.order))
	copy(ordered, results.order)
	return ordered
}

// ResolvedCount returns the number of outcomes carrying an identity.
func (results *ResultsMap) ResolvedCount() int {
	resolved := 0
	for _, outcome := range results.outcomes {
		if outcome.Resolved() {
			resolved++
		}
	}
	return resolved
}

// MarshalJSON encodes the map as a JSON object whose keys appear in
// insertion order. HTML characters stay unescaped so the exported document
// remains human-readable.
func (results *ResultsMap) MarshalJSON() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)

	buffer.WriteByte('{')
	for index, phoneNumber := range results.order {
		if index > 0 {
			buffer.WriteByte(',')
		}
		if err := encodeCompact(&buffer, encoder, phoneNumber); err != nil {
			return nil, err
		}
		buffer.WriteByte(':')
		if err := encodeCompact(&buffer, encoder, results.outcomes[phoneNumber]); err != nil {
			return nil, err
		}
	}
	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

// encodeCompact appends one value without the trailing newline Encode emits.
func encodeCompact(buffer *bytes.Buffer, encoder *json.Encoder, value any) error {
	if err := encoder.Encode(value); err != nil {
		return err
	}
	buffer.Truncate(buffer.Len() - 1)
	return nil
}

// UnmarshalJSON decodes a JSON object while preserving its key order.
func (results *ResultsMap) UnmarshalJSON(document []byte) error {
	results.order = nil
	results.outcomes = make(map[string]resolver.Outcome)

	decoder := json.NewDecoder(bytes.NewReader(document))
	openingToken, err := decoder.Token()
	if err != nil {
		return err
	}
	if delimiter, ok := openingToken.(json.Delim); !ok || delimiter != '{' {
		return errResultsNotObject
	}

	for decoder.More() {
		keyToken, keyErr := decoder.Token()
		if keyErr != nil {
			return keyErr
		}
		phoneNumber, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("%s: unexpected key token %v", errMessageNotObject, keyToken)
		}
		var outcome resolver.Outcome
		if decodeErr := decoder.Decode(&outcome); decodeErr != nil {
			return decodeErr
		}
		results.Set(phoneNumber, outcome)
	}

	if _, err := decoder.Token(); err != nil {
		return err
	}
	return nil
}
