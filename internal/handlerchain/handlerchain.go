// Package handlerchain implements the ordered, named list of idempotent
// prepare/apply steps that compose a machine's start sequence.
package handlerchain

import (
	"context"
	"fmt"
)

// Step is one named unit of work taking a *Context and returning an error on
// failure. Steps abort the chain when they return a non-nil error.
type Step struct {
	Name string
	Fn   func(ctx context.Context, c *Context) error
}

// Context is the shared state a chain's steps read and mutate. Subject is
// the payload the chain operates on; steps type-assert it to the concrete
// type they expect.
type Context struct {
	Subject any
	// Data carries per-run scratch values between steps (e.g. a socket
	// handle created by one step and used by a later one).
	Data map[string]any
}

// NewContext builds a Context for subject.
func NewContext(subject any) *Context {
	return &Context{Subject: subject, Data: make(map[string]any)}
}

// Chain is an ordered, named, mutable list of Steps.
type Chain struct {
	steps []Step
}

// New builds a Chain from an initial ordered list of steps.
func New(steps ...Step) *Chain {
	c := &Chain{}
	c.steps = append(c.steps, steps...)
	return c
}

// Append adds step to the end of the chain.
func (c *Chain) Append(step Step) {
	c.steps = append(c.steps, step)
}

// Prepend adds step to the front of the chain.
func (c *Chain) Prepend(step Step) {
	c.steps = append([]Step{step}, c.steps...)
}

// InsertBefore inserts step immediately before the named step. Returns an
// error if name is not found.
func (c *Chain) InsertBefore(name string, step Step) error {
	i, err := c.indexOf(name)
	if err != nil {
		return err
	}
	c.insertAt(i, step)
	return nil
}

// InsertAfter inserts step immediately after the named step. Returns an
// error if name is not found.
func (c *Chain) InsertAfter(name string, step Step) error {
	i, err := c.indexOf(name)
	if err != nil {
		return err
	}
	c.insertAt(i+1, step)
	return nil
}

// Remove deletes the named step. Returns an error if name is not found.
func (c *Chain) Remove(name string) error {
	i, err := c.indexOf(name)
	if err != nil {
		return err
	}
	c.steps = append(c.steps[:i], c.steps[i+1:]...)
	return nil
}

// Names returns the ordered list of step names, useful for diagnostics and tests.
func (c *Chain) Names() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name
	}
	return names
}

// Run executes every step in order against subject, stopping at the first
// error. It returns the name of the step that failed (empty on success) and
// the error itself.
func (c *Chain) Run(ctx context.Context, subject any) (failedStep string, err error) {
	hc := NewContext(subject)
	for _, step := range c.steps {
		if err := step.Fn(ctx, hc); err != nil {
			return step.Name, fmt.Errorf("step %q: %w", step.Name, err)
		}
	}
	return "", nil
}

func (c *Chain) indexOf(name string) (int, error) {
	for i, s := range c.steps {
		if s.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("handlerchain: step %q not found", name)
}

func (c *Chain) insertAt(i int, step Step) {
	c.steps = append(c.steps, Step{})
	copy(c.steps[i+1:], c.steps[i:])
	c.steps[i] = step
}
