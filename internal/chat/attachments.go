package chat

import "context"

// PassthroughResolver treats attachment references as already-durable
// URLs. Used when the embedding application performs uploads itself and
// hands the engine finished references.
type PassthroughResolver struct{}

// Resolve returns the reference unchanged.
func (PassthroughResolver) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}
