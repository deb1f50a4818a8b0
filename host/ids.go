package host

import "github.com/google/uuid"

// NewRequestID generates a new unique request id, replacing the teacher's
// github.com/teranos/vanity-id ASID scheme (see DESIGN.md).
func NewRequestID() string {
	return uuid.NewString()
}

// NewPluginInstanceID generates a unique per-spawn id for a plugin host,
// distinct from the plugin's declared (and possibly auto-renamed) id.
func NewPluginInstanceID() string {
	return uuid.NewString()
}
