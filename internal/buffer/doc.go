// Package buffer provides thread-safe per-partition buffering of traffic
// items awaiting archive.
//
// # PartitionBuffer
//
// PartitionBuffer holds the items of a single log partition up to a size and
// item count limit:
//
//	buf := buffer.New(partition, maxSizeBytes, maxRecords)
//
//	if err := buf.Add(item); errors.Is(err, errors.ErrBufferFull) {
//	    items := buf.Drain()
//	    archive(items)
//	}
//
// An empty buffer always accepts one item, however large, so a single
// oversized record can still be archived on its own.
//
// # Manager
//
// Manager creates partition buffers on demand and drops them when the
// partition is no longer owned:
//
//	manager := buffer.NewManager(maxSizeBytes, maxRecords)
//	buf := manager.GetOrCreate(partition)
//	manager.Remove(lostPartition)
//
// # Thread Safety
//
// Add, Drain and Reset take a write lock; Stats and IsEmpty take a read
// lock. Manager.GetOrCreate uses double-checked locking.
package buffer
