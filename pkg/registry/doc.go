/*
Package registry holds the durable record of minds and their variants.

The registry owns registry.json and variants.json under the daemon home.
Every mutation persists atomically (temp file + rename) before the call
returns, so a crash between operations never leaves a half-written file.
A corrupt registry is fatal at startup: the daemon refuses to come up
rather than overwrite the only copy of the fleet's port assignments.

Ports are allocated from a reserved range at record creation and stay with
the record until it is removed. The Running flag is desired state, not
observed state: daemon startup walks the registry and spawns every mind
with Running=true, and the flag is cleared only after the restart budget
for a crashing mind is exhausted.
*/
package registry
