// Package choreo runs multi-party protocols described as global
// choreographies.
//
// Protocols are written in CUE (see protocols/) and checked against an
// embedded schema. Project derives each role's linear session type; an
// Endpoint executes that type over the transport effect, refusing any
// send or receive the type does not permit at the current position.
//
// Every send expands into a guarded effect sequence run by an
// Interpreter:
//
//	guard      -> store_metadata{guard_validated = capability id}
//	cost       -> charge_budget{context, peer, amount}
//	leakage    -> record_leakage{bits}
//	fact       -> store_metadata{journal_fact:<name>}
//
// A refused guard or an exhausted FlowBudget aborts the send before
// anything reaches the wire.
//
// Collect and Respond implement the ThresholdCollect pattern: a
// coordinator gathers a quorum of validated materials from participants
// and aggregates them through a Provider.
package choreo
