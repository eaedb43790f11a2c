// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// bytesPerElement of the flat reduction buffers, always float32.
const bytesPerElement = 4

// GradientBucket is an ordered sequence of gradient slots, up to a capacity in bytes.
// It is allocated once and reset after each flush.
type GradientBucket struct {
	capacity int
	slots    []*Shard
	numel    int
}

// NewGradientBucket creates an empty bucket with the given capacity in bytes.
func NewGradientBucket(capacity int) *GradientBucket {
	return &GradientBucket{capacity: capacity}
}

// Fits returns whether the shard's gradient can be appended without exceeding the capacity.
// An empty bucket accepts any gradient, even one larger than the capacity.
func (b *GradientBucket) Fits(s *Shard) bool {
	return len(b.slots) == 0 || (b.numel+s.Numel())*bytesPerElement <= b.capacity
}

// Add appends the shard's gradient slot.
func (b *GradientBucket) Add(s *Shard) {
	b.slots = append(b.slots, s)
	b.numel += s.Numel()
}

// Slots returns the shards in the bucket, in the order they were added.
func (b *GradientBucket) Slots() []*Shard { return b.slots }

// Len returns the number of slots.
func (b *GradientBucket) Len() int { return len(b.slots) }

// Bytes returns the size of the gradients in the bucket, as float32.
func (b *GradientBucket) Bytes() int { return b.numel * bytesPerElement }

// IsEmpty returns whether the bucket has no slots.
func (b *GradientBucket) IsEmpty() bool { return len(b.slots) == 0 }

// Reset empties the bucket, keeping its storage.
func (b *GradientBucket) Reset() {
	clear(b.slots)
	b.slots = b.slots[:0]
	b.numel = 0
}

// pendingFlush is an asynchronous bucket reduction not yet unpacked.
type pendingFlush struct {
	id     int
	work   *collective.Work
	slots  []*Shard
	buffer []float32
}

// BucketReducer accumulates ready gradients in a GradientBucket and reduces (averages) them across
// the data-parallel group each time the bucket is full.
//
// Without partitioning, a flush all-reduces the bucket and every rank keeps the full reduced gradients.
// With partitioning, the bucket is laid out rank-major (the owned ranges of rank 0 of every slot, then
// rank 1, ...) and reduce-scattered, so each rank receives only its owned ranges.
//
// With overlap, flushes are issued asynchronously on the rank's communication stream, and Wait blocks
// until they are all done.
type BucketReducer struct {
	group     *collective.Group
	bucket    *GradientBucket
	partition bool
	overlap   bool

	pending    []*pendingFlush
	numFlushes int
}

// NewBucketReducer creates a reducer over the data-parallel group.
func NewBucketReducer(group *collective.Group, capacity int, partition, overlap bool) *BucketReducer {
	return &BucketReducer{
		group:     group,
		bucket:    NewGradientBucket(capacity),
		partition: partition,
		overlap:   overlap,
	}
}

// NumFlushes returns the number of buckets flushed so far.
func (r *BucketReducer) NumFlushes() int { return r.numFlushes }

// Add appends the ready gradient of the shard, flushing the current bucket first if it doesn't fit.
// A nil gradient is reduced as zeros.
func (r *BucketReducer) Add(ctx context.Context, s *Shard) error {
	if !r.bucket.Fits(s) {
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
	r.bucket.Add(s)
	return nil
}

// Flush reduces the gradients in the bucket, and resets it. It is a no-op for an empty bucket.
//
// The gradients are copied out of the parameters, whose gradient slots are released.
func (r *BucketReducer) Flush(ctx context.Context) error {
	if r.bucket.IsEmpty() {
		return nil
	}
	r.numFlushes++
	klog.V(1).Infof("rank %d: flushing gradient bucket #%d with %d gradients (%s), partition=%v, overlap=%v",
		r.group.GlobalRank(), r.numFlushes, r.bucket.Len(), humanize.IBytes(uint64(r.bucket.Bytes())),
		r.partition, r.overlap)
	slots := append([]*Shard(nil), r.bucket.Slots()...)
	r.bucket.Reset()

	var (
		buffer []float32
		counts []int
	)
	if r.partition {
		buffer, counts = r.packRankMajor(slots)
	} else {
		buffer = r.pack(slots)
	}
	for _, s := range slots {
		s.Param.ZeroGrad()
	}

	if r.overlap {
		var work *collective.Work
		if r.partition {
			work = r.group.ReduceScatterAsync(ctx, collective.Avg, buffer, counts)
		} else {
			work = r.group.AllReduceAsync(ctx, collective.Avg, buffer)
		}
		r.pending = append(r.pending, &pendingFlush{id: r.numFlushes, work: work, slots: slots, buffer: buffer})
		return nil
	}

	if r.partition {
		segment, err := r.group.ReduceScatter(ctx, collective.Avg, buffer, counts)
		if err != nil {
			return errors.WithMessagef(err, "reducing gradient bucket #%d", r.numFlushes)
		}
		r.unpackOwned(slots, segment)
		return nil
	}
	if err := r.group.AllReduce(ctx, collective.Avg, buffer); err != nil {
		return errors.WithMessagef(err, "reducing gradient bucket #%d", r.numFlushes)
	}
	r.unpack(slots, buffer)
	return nil
}

// Wait blocks until all asynchronous flushes are done and unpacks their results.
// It returns the first error, after waiting for all of them.
func (r *BucketReducer) Wait() error {
	var firstErr error
	for _, p := range r.pending {
		err := p.work.Wait()
		if err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "reducing gradient bucket #%d", p.id)
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if r.partition {
			r.unpackOwned(p.slots, p.work.Result())
		} else {
			r.unpack(p.slots, p.buffer)
		}
	}
	clear(r.pending)
	r.pending = r.pending[:0]
	return firstErr
}

// pack concatenates the full gradients of the slots.
func (r *BucketReducer) pack(slots []*Shard) []float32 {
	numel := 0
	for _, s := range slots {
		numel += s.Numel()
	}
	buffer := make([]float32, 0, numel)
	for _, s := range slots {
		if s.Param.Grad == nil {
			buffer = append(buffer, make([]float32, s.Numel())...)
			continue
		}
		buffer = append(buffer, s.Param.Grad.Data()...)
	}
	return buffer
}

// packRankMajor lays out the gradients of the slots so that the owned ranges of each rank are contiguous,
// and returns the number of elements per rank.
func (r *BucketReducer) packRankMajor(slots []*Shard) (buffer []float32, counts []int) {
	counts = make([]int, r.group.Size())
	numel := 0
	for _, s := range slots {
		numel += s.Numel()
	}
	buffer = make([]float32, 0, numel)
	for rank := range counts {
		for _, s := range slots {
			rng := s.Ranges[rank]
			counts[rank] += rng.Len()
			if s.Param.Grad == nil {
				buffer = append(buffer, make([]float32, rng.Len())...)
				continue
			}
			buffer = append(buffer, s.Param.Grad.Data()[rng.Start:rng.End]...)
		}
	}
	return buffer, counts
}

// unpack stores the reduced full gradients of the slots.
func (r *BucketReducer) unpack(slots []*Shard, reduced []float32) {
	offset := 0
	for _, s := range slots {
		s.grad = make([]float32, s.Numel())
		offset += copy(s.grad, reduced[offset:offset+s.Numel()])
	}
}

// unpackOwned stores the reduced owned ranges of the slots, given the segment of the local rank.
func (r *BucketReducer) unpackOwned(slots []*Shard, segment []float32) {
	offset := 0
	for _, s := range slots {
		s.grad = make([]float32, s.Owned.Len())
		offset += copy(s.grad, segment[offset:offset+s.Owned.Len()])
	}
}
