package types

// Service is a named action service exposing typed methods to the agent.
type Service interface {
	Name() string
	Methods() Signatures
	Method(name string) (Executable, error)
}
