package registry

// Service is a long-running agent component owned by the service registry.
// Start must return once background work is launched; Stop blocks until it has
// finished. Both report an error when called in the wrong state.
type Service interface {
	Start() error
	Stop() error
}
