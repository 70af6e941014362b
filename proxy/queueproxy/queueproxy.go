// Package queueproxy implements a minimal distributed-queue client proxy,
// directly grounded on hazelcast/proxy/queue.py's offer/poll/size shape
// (PartitionSpecificProxy: unlike a map, a queue is not a partitioned data
// structure — its entire contents live on one partition, fixed for the
// queue's name).
package queueproxy

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/meshkv/go-client/internal/invocation"
	"github.com/meshkv/go-client/internal/partition"
	"github.com/meshkv/go-client/internal/serialization"
	"github.com/meshkv/go-client/internal/wire"
)

const (
	msgTypeQueueOffer int32 = 20
	msgTypeQueuePoll  int32 = 21
	msgTypeQueueSize  int32 = 22
)

// Proxy is a thin client-side handle to one named distributed queue, bound
// to a single fixed partition for its whole lifetime.
type Proxy struct {
	name        string
	partitionID int32
	invocations *invocation.Service
	registry    *serialization.Registry
	valueTypeID int32
}

// New constructs a Proxy for the queue named name, resolving its fixed
// partition from partitions (which must already know the partition count;
// ClientOfflineError propagates otherwise) and encoding/decoding elements
// with the serializer registered under valueTypeID.
func New(name string, invocations *invocation.Service, partitions *partition.Service, registry *serialization.Registry, valueTypeID int32) (*Proxy, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	mixed := partition.Murmur3Fmix32(h.Sum32())
	pid, err := partitions.PartitionIDFor(int32(mixed))
	if err != nil {
		return nil, err
	}
	return &Proxy{
		name:        name,
		partitionID: pid,
		invocations: invocations,
		registry:    registry,
		valueTypeID: valueTypeID,
	}, nil
}

// Offer adds item to the queue, returning false if the queue is full.
func (p *Proxy) Offer(item any, timeout time.Duration) (bool, error) {
	data, err := p.registry.ToData(p.valueTypeID, item)
	if err != nil {
		return false, err
	}

	req := &wire.Frame{MessageType: msgTypeQueueOffer, PartitionID: p.partitionID, Body: data.Payload}
	f := p.invocations.Invoke(req, invocation.Routing{Kind: invocation.Partition, PartitionID: p.partitionID}, timeout)
	v, err := f.Result(timeout)
	if err != nil {
		return false, err
	}
	resp := v.(*wire.Frame)
	return len(resp.Body) == 1 && resp.Body[0] != 0, nil
}

// Poll removes and returns the head of the queue, or (nil, false) if it
// was empty.
func (p *Proxy) Poll(timeout time.Duration) (any, bool, error) {
	req := &wire.Frame{MessageType: msgTypeQueuePoll, PartitionID: p.partitionID}
	f := p.invocations.Invoke(req, invocation.Routing{Kind: invocation.Partition, PartitionID: p.partitionID}, timeout)
	v, err := f.Result(timeout)
	if err != nil {
		return nil, false, err
	}
	resp := v.(*wire.Frame)
	if len(resp.Body) == 0 {
		return nil, false, nil
	}
	value, err := p.registry.FromData(serialization.Data{TypeID: p.valueTypeID, Payload: resp.Body})
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Size returns the number of elements currently in the queue.
func (p *Proxy) Size(timeout time.Duration) (int, error) {
	req := &wire.Frame{MessageType: msgTypeQueueSize, PartitionID: p.partitionID}
	f := p.invocations.Invoke(req, invocation.Routing{Kind: invocation.Partition, PartitionID: p.partitionID}, timeout)
	v, err := f.Result(timeout)
	if err != nil {
		return 0, err
	}
	resp := v.(*wire.Frame)
	if len(resp.Body) < 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(resp.Body)), nil
}
