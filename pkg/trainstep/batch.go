// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainstep

import (
	"fmt"

	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch of training examples.
type Batch struct {
	// PixelValues are float images in NCHW layout: (batch, 3, height, width).
	PixelValues *tensors.Tensor

	// InputIDs are the int32 token ids of all text encoder windows: (batch*windowCount, windowLen).
	InputIDs *tensors.Tensor

	// AttentionMask has the same shape as InputIDs. It is accepted but not used by the loss.
	AttentionMask *tensors.Tensor
}

// ShapeKey identifies the shape a train step was compiled for.
type ShapeKey struct {
	// Image is the pixels shape (batch, channels, height, width).
	Image [4]int

	// Tokens is the token ids shape (batch*windowCount, windowLen).
	Tokens [2]int
}

// String implements fmt.Stringer.
func (k ShapeKey) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]/[%d,%d]", k.Image[0], k.Image[1], k.Image[2], k.Image[3], k.Tokens[0], k.Tokens[1])
}

// BatchSize of the key.
func (k ShapeKey) BatchSize() int { return k.Image[0] }

// Bucket returns the image resolution of the key.
func (k ShapeKey) Bucket() buckets.Bucket {
	return buckets.Bucket{Width: k.Image[3], Height: k.Image[2]}
}

// Shapes returns the shapes of the pixels, input ids and attention mask for this key.
func (k ShapeKey) Shapes() (pixels, ids, mask shapes.Shape) {
	pixels = shapes.Make(dtypes.Float32, k.Image[:]...)
	ids = shapes.Make(dtypes.Int32, k.Tokens[:]...)
	mask = ids.Clone()
	return
}

// KeyFor returns the ShapeKey of a batch of batchSize images of the given bucket, with windowCount token
// windows of windowLen tokens per example.
func KeyFor(batchSize int, bucket buckets.Bucket, windowCount, windowLen int) ShapeKey {
	return ShapeKey{
		Image:  [4]int{batchSize, 3, bucket.Height, bucket.Width},
		Tokens: [2]int{batchSize * windowCount, windowLen},
	}
}

// Validate checks the batch tensors have the expected ranks, dtypes and consistent dimensions.
func (b *Batch) Validate() error {
	if b == nil || b.PixelValues == nil || b.InputIDs == nil || b.AttentionMask == nil {
		return errors.New("batch is missing pixel values, input ids or attention mask")
	}
	pixels, ids, mask := b.PixelValues.Shape(), b.InputIDs.Shape(), b.AttentionMask.Shape()
	if pixels.Rank() != 4 || pixels.Dimensions[1] != 3 || !pixels.DType.IsFloat() {
		return errors.Errorf("pixel values must be float (batch, 3, height, width), got %s", pixels)
	}
	if ids.Rank() != 2 || ids.DType != dtypes.Int32 {
		return errors.Errorf("input ids must be int32 (batch*windows, windowLen), got %s", ids)
	}
	if !mask.Equal(ids) {
		return errors.Errorf("attention mask shape %s doesn't match input ids shape %s", mask, ids)
	}
	if ids.Dimensions[0]%pixels.Dimensions[0] != 0 {
		return errors.Errorf("input ids rows (%d) not a multiple of the batch size (%d)", ids.Dimensions[0], pixels.Dimensions[0])
	}
	return nil
}

// ShapeKey returns the key used to look up the compiled step for this batch.
// The batch must be valid, see Validate.
func (b *Batch) ShapeKey() ShapeKey {
	var key ShapeKey
	copy(key.Image[:], b.PixelValues.Shape().Dimensions)
	copy(key.Tokens[:], b.InputIDs.Shape().Dimensions)
	return key
}

// Tensors returns the batch tensors in parameter order: pixel values, input ids, attention mask.
func (b *Batch) Tensors() []*tensors.Tensor {
	return []*tensors.Tensor{b.PixelValues, b.InputIDs, b.AttentionMask}
}

// FinalizeAll immediately frees the batch tensors.
func (b *Batch) FinalizeAll() {
	for _, t := range b.Tensors() {
		if t != nil {
			_ = t.FinalizeAll()
		}
	}
}

// DummyBatch returns a placeholder batch, allocated on host, used only to pin the shapes and dtypes of a
// step: zero float32 pixels and zero int32 ids and mask.
func DummyBatch(batchSize int, bucket buckets.Bucket, windowCount, windowLen int) *Batch {
	return ZerosBatch(KeyFor(batchSize, bucket, windowCount, windowLen))
}

// ZerosBatch returns a zero-filled batch with the given shape key.
func ZerosBatch(key ShapeKey) *Batch {
	pixels, ids, mask := key.Shapes()
	return &Batch{
		PixelValues:   tensors.FromShape(pixels),
		InputIDs:      tensors.FromShape(ids),
		AttentionMask: tensors.FromShape(mask),
	}
}
