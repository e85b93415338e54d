package gateway

import "errors"

var errNilInput = errors.New("gateway: operation declares an input schema but received no input")

// ValidateInput is pipeline step 3. JSON-Schema validation of operation
// input is an external collaborator's concern, not reimplemented here — an
// operation's input_schema is carried as opaque data and enforced by
// whatever validates the wire payload before it reaches the gateway. This
// stage only guards the invariant the rest of the pipeline depends on:
// scope and approval checks read named fields out of input, so a
// schema-bearing operation must have actually received a decoded object.
func ValidateInput(op Operation, input map[string]any) error {
	if op.InputSchema == nil {
		return nil
	}
	if input == nil {
		return errNilInput
	}
	return nil
}
