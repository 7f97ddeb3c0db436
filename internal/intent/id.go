package intent

import "github.com/google/uuid"

// NewID returns an opaque, collision-resistant, url-safe intent id. A uuidv4
// carries 122 bits of entropy, comfortably over the >=96 bit requirement.
func NewID() string {
	return "int_" + uuid.NewString()
}
