// Package rng provides an explicit, snapshot-able pseudo-random generator handle.
//
// A Generator owns one host stream and one stream per accelerator device.
// Every stochastic computation in the engine draws from a Generator passed
// to it explicitly; there is no package-level random state. A State captured
// with Snapshot can later be installed for the duration of a function with
// Fork, which reproduces the exact same draws and then puts the generator
// back where it was.
//
// Example:
//
//	gen := rng.New(42, 0)
//	st := gen.Snapshot()
//	a := gen.Float64()
//	_ = gen.Fork(st, func() error {
//	    b := gen.Float64() // b == a
//	    return nil
//	})
//
// A Generator is not safe for concurrent use. Callers sharing one across
// goroutines must serialize access themselves.
package rng

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Host selects the host stream in Stream.
const Host = -1

// ErrDeviceMismatch is returned when a State is restored into a Generator
// with a different number of device streams.
var ErrDeviceMismatch = errors.New("rng: device count mismatch")

// stream pairs a PCG source with the Rand that reads from it.
// Restoring the source state is enough to replay the Rand: math/rand/v2
// keeps no buffered state of its own.
type stream struct {
	src *rand.PCG
	r   *rand.Rand
}

func newStream(seed1, seed2 uint64) stream {
	src := rand.NewPCG(seed1, seed2)
	return stream{src: src, r: rand.New(src)}
}

// Generator is a scoped pseudo-random source with a host stream and
// per-device streams.
type Generator struct {
	host    stream
	devices []stream
}

// New creates a Generator seeded with seed and the given number of device
// streams. Devices may be zero.
func New(seed uint64, devices int) *Generator {
	g := &Generator{
		host:    newStream(seed, 0x9e3779b97f4a7c15),
		devices: make([]stream, devices),
	}
	for i := range g.devices {
		g.devices[i] = newStream(seed, uint64(i)+1)
	}
	return g
}

// NumDevices returns the number of device streams.
func (g *Generator) NumDevices() int {
	return len(g.devices)
}

// Stream returns the Rand for a device index, or the host stream for Host.
// Panics on an unknown device.
func (g *Generator) Stream(device int) *rand.Rand {
	if device == Host {
		return g.host.r
	}
	if device < 0 || device >= len(g.devices) {
		panic(fmt.Sprintf("rng: device %d out of range [0, %d)", device, len(g.devices)))
	}
	return g.devices[device].r
}

// Compute returns the stream stochastic kernels draw from: device 0 when the
// generator has devices, the host stream otherwise.
func (g *Generator) Compute() *rand.Rand {
	if len(g.devices) > 0 {
		return g.devices[0].r
	}
	return g.host.r
}

// Bernoulli draws true with probability keep from the compute stream.
func (g *Generator) Bernoulli(keep float64) bool {
	return g.Compute().Float64() < keep
}

// Float64 returns a uniform sample in [0, 1) from the host stream.
func (g *Generator) Float64() float64 {
	return g.host.r.Float64()
}

// NormFloat64 returns a standard normal sample from the host stream.
func (g *Generator) NormFloat64() float64 {
	return g.host.r.NormFloat64()
}

// Uint64 returns a uniform 64-bit value from the host stream.
func (g *Generator) Uint64() uint64 {
	return g.host.r.Uint64()
}

// State is an immutable capture of every stream of a Generator.
type State struct {
	host    []byte
	devices [][]byte
}

// IsZero reports whether the State was never captured.
func (s State) IsZero() bool {
	return s.host == nil
}

// NumDevices returns the number of device streams captured in s.
func (s State) NumDevices() int {
	return len(s.devices)
}

// Snapshot captures the current state of the host and all device streams.
func (g *Generator) Snapshot() State {
	st := State{
		host:    mustMarshal(g.host.src),
		devices: make([][]byte, len(g.devices)),
	}
	for i, d := range g.devices {
		st.devices[i] = mustMarshal(d.src)
	}
	return st
}

// Restore installs a previously captured State.
func (g *Generator) Restore(st State) error {
	if st.IsZero() {
		return errors.New("rng: restore of empty state")
	}
	if len(st.devices) != len(g.devices) {
		return fmt.Errorf("%w: state has %d, generator has %d", ErrDeviceMismatch, len(st.devices), len(g.devices))
	}
	if err := g.host.src.UnmarshalBinary(st.host); err != nil {
		return fmt.Errorf("rng: restore host stream: %w", err)
	}
	for i, d := range g.devices {
		if err := d.src.UnmarshalBinary(st.devices[i]); err != nil {
			return fmt.Errorf("rng: restore device %d: %w", i, err)
		}
	}
	return nil
}

// Fork runs fn with st installed and restores the generator's prior state
// afterwards, whether fn returns an error or panics.
func (g *Generator) Fork(st State, fn func() error) (err error) {
	saved := g.Snapshot()
	if err := g.Restore(st); err != nil {
		return err
	}
	defer func() {
		if rerr := g.Restore(saved); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func mustMarshal(src *rand.PCG) []byte {
	b, err := src.MarshalBinary()
	if err != nil {
		// PCG.MarshalBinary never fails.
		panic(fmt.Sprintf("rng: marshal: %v", err))
	}
	return b
}
