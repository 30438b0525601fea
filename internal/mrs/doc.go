// Package mrs holds the Mobile Rack System registry: devices, aisles and
// the locations they serve.
//
// A bank is not a table. It is the bank_code shared by devices and aisles
// that ride the same rail, and it is the unit of exclusivity: at most one
// aisle per bank may be open. Repository.LockBank reads every device row of
// a bank in one locking statement; the orchestrator makes all bank decisions
// while holding it.
//
// Devices and aisles are created by provisioning (Seed) and mutated only by
// the orchestrator.
package mrs
