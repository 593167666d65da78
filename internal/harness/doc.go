// Package harness runs scripted gradient scenarios against a live remote
// session and checks the pushed state.
//
// # Scenario Format
//
// Scenarios are YAML files. Each step is one protocol line fed to the
// session, either built from op/data or given verbatim as raw:
//
//	name: three_node_line
//	description: "Gradient spreads one hop per round along a line"
//	steps:
//	  - op: createSim
//	    data: { nodeCount: 3, maxDistance: 3.5 }
//	  - op: newPosition
//	    data: { nodeId: 1, x: 0, y: 3, z: 0 }
//	  - op: setSource
//	    data: { nodeId: 0 }
//	  - op: step
//	    data: { stepCount: 1 }
//	    expect:
//	      values: [0, 3, inf]
//	  - raw: '{"op":"teleport"}'
//	    expect:
//	      error: MALFORMED_MESSAGE
//	assertions:
//	  - type: final_values
//	    values: [0, 3, 6]
//	  - type: error_count
//	    count: 1
//
// Unreachable values are written as inf.
//
// # Assertion Types
//
//   - final_values: the last pushed state carries exactly these values
//   - final_neighbors: node's neighbor list in the last pushed state
//   - reachable_count: number of finite values in the last pushed state
//   - push_count: number of state messages the session sent
//   - error_count: number of error messages the session sent
//   - error_contains: some error message contains the given text
//   - converged: the last two pushed states are identical
//
// # Deterministic Testing
//
// Every scenario runs against a fresh registry with a fixed session id, and
// the trace is serialized as canonical JSON (sorted keys, NFC strings) so it
// can be compared against a golden file byte for byte.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/line.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
