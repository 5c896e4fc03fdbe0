// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package reversible provides the public API of the reversible layer
// training engine.
//
// # Overview
//
// A reversible stack runs two copies of its input through coupling layers
// whose inputs can be recomputed exactly from their outputs. Forward keeps
// only the final pair and the generator state before every stochastic
// sub-transform; Backward walks the stack in reverse, replays each
// sub-transform under its saved state, inverts the coupling by subtraction
// and backpropagates one sub-transform at a time. Activation memory is
// independent of depth.
//
// Two layer shapes are provided:
//
//	Encoder:  y1 = F(x2) + x1;  y2 = G(y1) + x2
//	Decoder:  z1 = F(x2) + x1;  z2 = G1(z1) + x2
//	          y1 = H(z2, context) + z1;  y2 = G2(y1) + z2
//
// # Basic Usage
//
//	gen := reversible.NewGenerator(42, 0)
//	cfg := reversible.DefaultConfig()
//	cfg.ModelSize, cfg.NumHeads, cfg.InnerSize = 16, 2, 32
//
//	var layers []reversible.Layer
//	for i := range 3 {
//	    l, err := reversible.NewEncoderLayer(i, cfg, gen)
//	    if err != nil {
//	        return err
//	    }
//	    layers = append(layers, l)
//	}
//
//	eng := reversible.NewEngine()
//	side := reversible.Side{Training: true}
//	merged, snap, _, err := eng.Forward(ctx, layers, x, side, gen)
//	// ... compute the loss gradient on merged ...
//	acc := reversible.NewGradStore()
//	gradInput, _, err := eng.Backward(ctx, snap, gradMerged, acc)
//
// # Errors
//
// Layer failures are reported as *LayerError carrying the layer index and
// the sub-transform. ErrResourceExhausted (matchable with errors.Is) means
// a recomputation ran over the backend's activation budget; the step's
// gradients were discarded and it may be retried on a smaller batch.
package reversible
