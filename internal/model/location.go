package model

// Location says which storage tier owns a project. It is resolved once
// when a project is loaded and passed along to later operations.
type Location interface {
	isLocation()
	String() string
}

// CloudBacked is a project whose authoritative copy is in the remote
// store under ID.
type CloudBacked struct {
	ID string
}

// LocalOnly is a project that has not been synced to the remote store.
type LocalOnly struct{}

func (CloudBacked) isLocation() {}
func (LocalOnly) isLocation()   {}

func (c CloudBacked) String() string { return "cloud:" + c.ID }
func (LocalOnly) String() string     { return "local" }

// IsCloud reports whether loc is CloudBacked and returns its remote id.
func IsCloud(loc Location) (string, bool) {
	c, ok := loc.(CloudBacked)
	return c.ID, ok
}
