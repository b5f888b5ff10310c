package entity

// SystemActorID identifies transitions the engine performs on its own, such as timeouts
const SystemActorID = "system"

// Actor is the principal requesting an operation.
// Identity is established upstream; the engine only checks capabilities.
type Actor struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	// System actors bypass capability checks
	System bool `json:"system,omitempty"`
}

// SystemActor returns the actor used by the scheduler
func SystemActor() Actor {
	return Actor{ID: SystemActorID, System: true}
}

// Has returns true if the actor holds the capability
func (a Actor) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
