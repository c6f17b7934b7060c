package router

import "sync/atomic"

// Active holds the registry currently serving requests. Config reloads build
// a fresh Registry and Store it; in-flight requests keep the one they started with.
type Active struct {
	p atomic.Pointer[Registry]
}

func NewActive(r *Registry) *Active {
	a := &Active{}
	a.p.Store(r)
	return a
}

func (a *Active) Store(r *Registry) { a.p.Store(r) }

func (a *Active) Registry() *Registry { return a.p.Load() }

func (a *Active) Candidates(model string) ([]Candidate, error) {
	return a.p.Load().Candidates(model)
}
