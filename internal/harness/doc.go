// Package harness runs saga scenarios described in YAML against a real
// Coordinator and Runner, then checks the recorded trace.
//
// # Scenario Format
//
//	name: checkout_compensated
//	description: "charge fails after inventory is reserved"
//	saga: checkout
//	context: { order_id: o-1 }
//	steps:
//	  - name: reserve_inventory
//	    result: { reservation: r-1 }
//	  - name: charge_payment
//	    fail: card declined
//	  - name: ship_order
//	expect:
//	  status: compensated
//	  error_kind: PERMANENT
//	assertions:
//	  - type: trace_order
//	    order: [execute:reserve_inventory, compensate:reserve_inventory]
//	  - type: trace_count
//	    event: execute
//	    step: ship_order
//	    count: 0
//	  - type: final_state
//	    where: { step: charge_payment }
//	    expect: { status: failed }
//
// A step with fail returns that error from Execute. A step with
// compensate_fail returns that error from Compensate.
//
// # Assertion Types
//
//   - trace_contains: an event for step appears, optionally with a given error
//   - trace_order: "event:step" entries appear in this relative order
//   - trace_count: an event for step appears exactly count times
//   - final_state: the saga JSON, or one step of it, contains expect
//
// # Determinism
//
// Every scenario runs against a fresh in-memory store with a fixed clock
// and sequential saga IDs, so the trace snapshot is byte-stable and can be
// compared against a golden file.
package harness
