// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology defines Topology, the device mesh and placement rules of a training run.
//
// A Topology is created once by the process entry point and passed by reference to every component
// that makes placement decisions: there is no global mesh.
//
// The mesh has two axes, DataAxis and ModelAxis. Model states are replicated on every device, and
// batches are partitioned along their first (batch) axis over DataAxis. With a single device there is
// no mesh and all sharding specs are nil.
package topology

import (
	"fmt"
	"reflect"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the mesh axes.
const (
	DataAxis  = "data_parallel"
	ModelAxis = "model_parallel"
)

// Topology of the devices used for training.
type Topology struct {
	backend    backends.Backend
	numDevices int

	// mesh is nil for single device topologies.
	mesh       *distributed.DeviceMesh
	replicated *distributed.ShardingSpec
}

// New creates a Topology over the devices of backend.
//
// meshShape is (data parallel size, model parallel size). If nil it defaults to all devices of the backend
// along the data axis. The mesh may use fewer devices than the backend offers.
func New(backend backends.Backend, meshShape []int) (*Topology, error) {
	if backend == nil {
		return nil, errors.New("topology.New: nil backend")
	}
	available := int(backend.NumDevices())
	if meshShape == nil {
		meshShape = []int{available, 1}
	}
	if len(meshShape) != 2 {
		return nil, errors.Errorf("topology.New: mesh shape must be (%s, %s), got %v", DataAxis, ModelAxis, meshShape)
	}
	numDevices := 1
	for _, size := range meshShape {
		if size <= 0 {
			return nil, errors.Errorf("topology.New: mesh shape must be positive, got %v", meshShape)
		}
		numDevices *= size
	}
	if numDevices > available {
		return nil, errors.Errorf("topology.New: mesh %v requires %d devices, but backend %q only has %d",
			meshShape, numDevices, backend.Name(), available)
	}
	t := &Topology{backend: backend, numDevices: numDevices}
	if numDevices == 1 {
		return t, nil
	}
	var err error
	t.mesh, err = distributed.NewDeviceMesh(meshShape, []string{DataAxis, ModelAxis})
	if err != nil {
		return nil, errors.WithMessage(err, "topology.New")
	}
	t.replicated = distributed.NewReplicatedShardingSpec(t.mesh)
	klog.V(1).Infof("Topology: mesh %s over %d of %d devices of %q", t.mesh, numDevices, available, backend.Name())
	return t, nil
}

// Backend used to build, compile and execute graphs.
func (t *Topology) Backend() backends.Backend { return t.backend }

// NumDevices in the mesh.
func (t *Topology) NumDevices() int { return t.numDevices }

// IsDistributed returns whether there is more than one device.
func (t *Topology) IsDistributed() bool { return t.mesh != nil }

// Mesh returns the device mesh, or nil for single device topologies.
func (t *Topology) Mesh() *distributed.DeviceMesh { return t.mesh }

// DataParallelSize is the number of partitions of the batch axis.
func (t *Topology) DataParallelSize() int {
	if t.mesh == nil {
		return 1
	}
	return t.mesh.AxesSizes()[0]
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	if t.mesh == nil {
		return fmt.Sprintf("Topology(%s, single device)", t.backend.Name())
	}
	return fmt.Sprintf("Topology(%s, %s)", t.backend.Name(), t.mesh)
}

// Replicated returns the sharding spec used for model states: no partitioning, full copy on every device.
// It is nil for single device topologies.
func (t *Topology) Replicated() *distributed.ShardingSpec {
	return t.replicated
}

// DataParallel returns the sharding spec for a batch tensor of the given rank: partitioned along the batch
// axis over DataAxis, replicated along all others. It is nil for single device topologies.
func (t *Topology) DataParallel(rank int) *distributed.ShardingSpec {
	if t.mesh == nil {
		return nil
	}
	builder := distributed.BuildSpec(t.mesh).S(DataAxis)
	for range rank - 1 {
		builder = builder.R()
	}
	spec, err := builder.Done()
	if err != nil {
		// The spec only refers to the mesh's own axes.
		panic(errors.WithMessagef(err, "data parallel sharding spec for rank %d", rank))
	}
	return spec
}

// NewGraph creates a graph configured for this topology.
func (t *Topology) NewGraph(name string) (*graph.Graph, error) {
	g := graph.NewGraph(t.backend, name)
	if err := t.ConfigureGraph(g); err != nil {
		g.Finalize()
		return nil, err
	}
	return g, nil
}

// ConfigureGraph sets automatic sharding over the mesh of g, if the topology is distributed.
// It must be called before g starts building.
func (t *Topology) ConfigureGraph(g *graph.Graph) error {
	if t.mesh == nil {
		return nil
	}
	if err := g.SetAutoSharding(t.mesh); err != nil {
		return errors.WithMessagef(err, "failed to configure graph %q for mesh %s", g.Name(), t.mesh)
	}
	return nil
}

// DeviceNum of the device with the given index in the mesh. The mesh uses the first NumDevices devices
// of the backend, in order.
func (t *Topology) DeviceNum(device int) backends.DeviceNum {
	return backends.DeviceNum(device)
}

// CheckBatchShape returns an error if the batch axis of shape can't be evenly partitioned over the data axis.
func (t *Topology) CheckBatchShape(shape shapes.Shape) error {
	n := t.DataParallelSize()
	if shape.Rank() == 0 || shape.Dimensions[0]%n != 0 {
		return errors.Errorf("batch tensor shape %s can't be partitioned over %d data parallel devices", shape, n)
	}
	return nil
}

// PlaceInputs returns the values to feed to graph.Graph.Run for the given inputs, in parameter order.
//
// Inputs for which dataParallel is true are partitioned along their first axis, all others are
// replicated. For distributed topologies values are given device-major: the inputs for device 0, then
// device 1, etc. Single device topologies return the inputs unchanged.
func (t *Topology) PlaceInputs(inputs []*tensors.Tensor, dataParallel []bool) ([]any, error) {
	if len(inputs) != len(dataParallel) {
		return nil, errors.Errorf("PlaceInputs: %d inputs but %d placement flags", len(inputs), len(dataParallel))
	}
	if t.mesh == nil {
		values := make([]any, len(inputs))
		for ii, input := range inputs {
			values[ii] = input
		}
		return values, nil
	}

	// Partition data parallel inputs on host.
	dataSize := t.DataParallelSize()
	modelSize := t.numDevices / dataSize
	shards := make([][]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		if !dataParallel[ii] {
			continue
		}
		if err := t.CheckBatchShape(input.Shape()); err != nil {
			return nil, errors.WithMessagef(err, "input #%d", ii)
		}
		var err error
		shards[ii], err = splitBatch(input, dataSize)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d", ii)
		}
	}

	values := make([]any, 0, len(inputs)*t.numDevices)
	for device := range t.numDevices {
		dataIdx := device / modelSize
		for ii, input := range inputs {
			if shards[ii] != nil {
				values = append(values, shards[ii][dataIdx])
			} else {
				values = append(values, input)
			}
		}
	}
	return values, nil
}

// splitBatch splits t along its first axis into n equal parts.
func splitBatch(t *tensors.Tensor, n int) ([]*tensors.Tensor, error) {
	shape := t.Shape()
	shardShape := shape.Clone()
	shardShape.Dimensions[0] /= n
	shardSize := shardShape.Size()
	parts := make([]*tensors.Tensor, n)
	err := t.ConstFlatData(func(flat any) {
		src := reflect.ValueOf(flat)
		for ii := range parts {
			parts[ii] = tensors.FromShape(shardShape)
			parts[ii].MustMutableFlatData(func(dst any) {
				reflect.Copy(reflect.ValueOf(dst), src.Slice(ii*shardSize, (ii+1)*shardSize))
			})
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to split tensor %s into %d shards", shape, n)
	}
	return parts, nil
}

// SplitOutputs returns the results of graph.Graph.Run grouped by device: SplitOutputs(...)[device][output].
//
// Single device topologies, and executions that return only one copy of each output, give one group.
func (t *Topology) SplitOutputs(results []*tensors.Tensor, numOutputs int) ([][]*tensors.Tensor, error) {
	if len(results) == numOutputs {
		return [][]*tensors.Tensor{results}, nil
	}
	if len(results) != numOutputs*t.numDevices {
		return nil, errors.Errorf("expected %d outputs (or %d for %d devices), got %d",
			numOutputs, numOutputs*t.numDevices, t.numDevices, len(results))
	}
	perDevice := make([][]*tensors.Tensor, t.numDevices)
	for device := range perDevice {
		perDevice[device] = results[device*numOutputs : (device+1)*numOutputs]
	}
	return perDevice, nil
}

// GatherOutputs returns one tensor per output from the results of graph.Graph.Run.
//
// All outputs are expected to be replicated, so for distributed topologies the values of device 0 are
// returned and the copies of the other devices are freed.
func (t *Topology) GatherOutputs(results []*tensors.Tensor, numOutputs int) ([]*tensors.Tensor, error) {
	perDevice, err := t.SplitOutputs(results, numOutputs)
	if err != nil {
		return nil, err
	}
	for _, replicas := range perDevice[1:] {
		FinalizeReplicas(replicas)
	}
	return perDevice[0], nil
}

// FinalizeReplicas frees the given device copies, logging failures.
func FinalizeReplicas(replicas []*tensors.Tensor) {
	for _, replica := range replicas {
		if replica == nil {
			continue
		}
		if err := replica.FinalizeAll(); err != nil {
			klog.Warningf("failed to free replicated output: %+v", err)
		}
	}
}

// DonateResident replaces, in values as returned by PlaceInputs, the leading inputs of each device by the
// donated buffers of tensors already on that device: resident[device][ii] replaces input ii of device.
//
// Nil entries keep the placed value. Buffers that can't be donated (e.g. shared with the host) are fed as
// regular inputs.
func (t *Topology) DonateResident(values []any, numInputs int, resident [][]*tensors.Tensor) error {
	if len(resident) != t.numDevices {
		return errors.Errorf("DonateResident: %d device groups given for %d devices", len(resident), t.numDevices)
	}
	if len(values) != numInputs*t.numDevices {
		return errors.Errorf("DonateResident: %d values for %d inputs on %d devices", len(values), numInputs, t.numDevices)
	}
	for device, tensorsOnDevice := range resident {
		if len(tensorsOnDevice) > numInputs {
			return errors.Errorf("DonateResident: %d resident tensors on device #%d, but only %d inputs",
				len(tensorsOnDevice), device, numInputs)
		}
		for ii, tensor := range tensorsOnDevice {
			if tensor == nil {
				continue
			}
			idx := device*numInputs + ii
			donated, err := graph.DonateTensorBuffer(tensor, t.backend, t.DeviceNum(device))
			if err != nil {
				klog.V(2).Infof("input #%d not donated on device #%d: %v", ii, device, err)
				values[idx] = tensor
				continue
			}
			values[idx] = donated
		}
	}
	return nil
}
