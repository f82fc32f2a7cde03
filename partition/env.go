package partition

// Env contains collaborators shared by the state machines operating on failover units.
type Env struct {
	Elector    *Elector
	TimeSource TimeSource
	TestMode   bool
}
