// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package reversible

import (
	"context"
	"log/slog"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Type aliases for public API

// Layer is one reversible coupling layer.
type Layer = reversible.Layer

// Pair is the two-stream state flowing through a stack.
type Pair = reversible.Pair

// EncoderLayer is the two-stage coupling layer.
type EncoderLayer = reversible.EncoderLayer

// DecoderLayer is the four-stage coupling layer with source attention.
type DecoderLayer = reversible.DecoderLayer

// Engine drives stacks forward and backward.
type Engine = reversible.Engine

// EngineOption configures an Engine.
type EngineOption = reversible.EngineOption

// StackSnapshot is the replay record of one Forward call.
type StackSnapshot = reversible.StackSnapshot

// DecoderState holds incremental decoding buffers.
type DecoderState = reversible.DecoderState

// LayerError reports a failure inside one sub-transform.
type LayerError = reversible.LayerError

// ConfigError reports a layer that cannot be constructed.
type ConfigError = reversible.ConfigError

// Config holds the hyperparameters shared by every unit of a stack.
type Config = nn.Config

// Side carries the layer-invariant inputs: positions, masks, context and
// the training flag.
type Side = nn.Side

// Unit is a differentiable sub-transform of a coupling layer.
type Unit = nn.Unit

// GradStore accumulates parameter gradients.
type GradStore = nn.GradStore

// Parameter is a named trainable tensor.
type Parameter = nn.Parameter

// Generator is the explicit, snapshot-able random source.
type Generator = rng.Generator

// Backend computes and records tensor operations.
type Backend = autodiff.Backend

// AttentionMask selects the key positions hidden from attention.
type AttentionMask = autodiff.AttentionMask

// Errors
var (
	ErrSourceAttentionDisabled = reversible.ErrSourceAttentionDisabled
	ErrSnapshotConsumed        = reversible.ErrSnapshotConsumed
	ErrEmptyStack              = reversible.ErrEmptyStack
	ErrCacheInForward          = reversible.ErrCacheInForward
	ErrShapeMismatch           = reversible.ErrShapeMismatch
	ErrResourceExhausted       = reversible.ErrResourceExhausted
	ErrInvalidConfig           = nn.ErrInvalidConfig
)

// Construction

// DefaultConfig returns the standard unit configuration: model size 512,
// 8 heads, inner size 2048, dropout 0.1.
func DefaultConfig() Config {
	return nn.DefaultConfig()
}

// NewGenerator creates a Generator with a host stream and the given number
// of device streams.
func NewGenerator(seed uint64, devices int) *Generator {
	return rng.New(seed, devices)
}

// NewBackend creates a Backend, e.g. to give an Engine a memory limit:
//
//	b := reversible.NewBackend()
//	b.SetMemoryLimit(1 << 20)
//	eng := reversible.NewEngine(reversible.WithBackend(b))
func NewBackend() *Backend {
	return autodiff.New()
}

// NewGradStore creates an empty gradient accumulator.
func NewGradStore() *GradStore {
	return nn.NewGradStore()
}

// NewEncoderLayer builds the index-th encoder layer of a stack.
func NewEncoderLayer(index int, cfg Config, gen *Generator) (*EncoderLayer, error) {
	return reversible.NewEncoderLayer(index, cfg, gen)
}

// NewDecoderLayer builds the index-th decoder layer of a stack.
func NewDecoderLayer(index int, cfg Config, gen *Generator) (*DecoderLayer, error) {
	return reversible.NewDecoderLayer(index, cfg, gen)
}

// NewEncoderLayerFromUnits couples two arbitrary units.
func NewEncoderLayerFromUnits(f, g Unit) *EncoderLayer {
	return reversible.NewEncoderLayerFromUnits(f, g)
}

// NewDecoderLayerFromUnits couples four arbitrary units.
func NewDecoderLayerFromUnits(f, g1, h, g2 Unit) *DecoderLayer {
	return reversible.NewDecoderLayerFromUnits(f, g1, h, g2)
}

// NewEngine creates an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	return reversible.NewEngine(opts...)
}

// WithBackend sets the Engine's backend.
func WithBackend(b *Backend) EngineOption {
	return reversible.WithBackend(b)
}

// WithLogger sets the Engine's logger for per-layer debug records.
func WithLogger(l *slog.Logger) EngineOption {
	return reversible.WithLogger(l)
}

// NewDecoderState creates incremental decoding buffers for a decoder stack.
func NewDecoderState(layers, maxLen int, sourceMask *AttentionMask) *DecoderState {
	return reversible.NewDecoderState(layers, maxLen, sourceMask)
}

// Masks and positions

// PaddingMask hides padded key positions of sequences with the given
// lengths. Returns nil when nothing is padded.
func PaddingMask(lengths []int, maxLen int) *AttentionMask {
	return nn.PaddingMask(lengths, maxLen)
}

// CausalMask hides future positions, combined with optional padding.
func CausalMask(padding *AttentionMask) *AttentionMask {
	return nn.CausalMask(padding)
}

// SinusoidalPositions returns fixed position encodings [maxLen, dim].
func SinusoidalPositions(maxLen, dim int) *tensor.Tensor {
	return nn.SinusoidalPositions(maxLen, dim)
}

// Running stacks

// Forward runs layers over input with a default Engine.
func Forward(ctx context.Context, layers []Layer, input *tensor.Tensor, side Side, gen *Generator) (*tensor.Tensor, *StackSnapshot, []*tensor.Tensor, error) {
	return reversible.Forward(ctx, layers, input, side, gen)
}

// Backward propagates gradMerged through snap with a default Engine.
func Backward(ctx context.Context, snap *StackSnapshot, gradMerged *tensor.Tensor, acc *GradStore) (*tensor.Tensor, *tensor.Tensor, error) {
	return reversible.Backward(ctx, snap, gradMerged, acc)
}

// Step decodes the next target positions of a decoder stack incrementally.
func Step(ctx context.Context, layers []*DecoderLayer, state *DecoderState, x *tensor.Tensor, side Side, gen *Generator) (*tensor.Tensor, []*tensor.Tensor, error) {
	return reversible.Step(ctx, layers, state, x, side, gen)
}
