// Package capture defines the core types and interfaces shared across the
// ad-capture pipeline: records, jobs, sessions, device profiles, the error
// taxonomy, and the contracts implemented by the browser, bridge, queue,
// storage and publisher subsystems.
package capture
