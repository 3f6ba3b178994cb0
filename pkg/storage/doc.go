/*
Package storage provides BoltDB-backed durable storage for the daemon.

The single delivery_queue bucket holds messages accepted while a mind
sleeps. Keys are the bucket sequence encoded big-endian, so a cursor scan
is insertion order, which the wake flush depends on. Rows are
append-only while the mind sleeps and removed transactionally by
DrainSleepQueued during wake.

The Store interface exists so the DeliveryManager and SleepManager can be
tested against an in-memory fake; BoltStore is the only production
implementation.
*/
package storage
