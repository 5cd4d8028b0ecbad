// Package effects is the only door between the core and the outside world.
//
// Every clock read, random draw, hash, signature, storage call, network send
// and log line goes through one of the interfaces declared here. A Runtime
// bundles one handler per interface and is assembled by a Builder whose type
// parameters record which handlers have been supplied, so a Runtime missing
// a required handler does not compile.
//
// Three modes select handler families:
//
//	Production   wall clock, crypto/rand, real storage backends
//	Testing      MockClock, seeded random, memory storage
//	Simulation   VirtualClock advanced by the scheduler, seeded random,
//	             MemoryBus transport
//
// In Simulation mode every random byte derives from the seed, so two runs
// with the same seed observe identical effect streams.
package effects
