package tinydora

/*
TinyDORA is a transaction execution engine built on data-oriented execution (DORA). Every table is split into
partitions and every partition is owned by one worker goroutine bound to a CPU. A transaction is broken into actions,
each touching the keys of a single partition, and every action runs on the worker of its partition. Workers isolate
transactions with cheap per partition logical locks instead of a centralized lock manager. Actions of one phase run
in parallel and meet at a rendezvous point that either starts the next phase or decides the transaction.

TinyDORA is intended for experimentation with partitioned execution. Storage is pluggable and kept simple: an in
memory engine, badger and bbolt.

The `tinydora` module is organized into the following packages:

* `kv/dora`: the engine. Keys and partition tables, the logical lock manager, actions, rendezvous points, partitions
  and the environment that owns them.
* `kv/storage`: the storage engines transactions execute against.
* `kv/config`: configuration, loadable from toml files.
* `kv/util`: codecs, object pools, CPU bound workers and badger helpers.
* `kv/workload`: TPC-B tables and transactions written as DORA actions, and key distributions.
* `kv/dora-bench`: a driver that loads TPC-B and reports throughput and latencies.
*/
