// Package harness runs multi-client sync scenarios against a real relay.
//
// Each scenario starts an in-process relay backed by a temporary SQLite
// store, creates one textdoc replica and engine per client, and drives
// them through a list of steps. After every step the harness waits until
// all clients have settled before recording what happened, so the trace
// of a scenario is the same on every run.
//
// # Scenario Format
//
//	name: two_clients_converge
//	description: "Updates from one client reach the other"
//	clients:
//	  - name: alice
//	    seed: 1
//	  - name: bob
//	    seed: 2
//	    snapshot_every: 3
//	steps:
//	  - action: connect
//	    client: alice
//	  - action: append
//	    client: alice
//	    lines: ["hello"]
//	assertions:
//	  - type: content
//	    client: alice
//	    lines: ["hello"]
//	  - type: lineage_valid
//
// Client keys are derived from their seeds. Every client shares one
// document key unless key_seed gives it a different one, and snapshot ids
// are "<client>-<n>".
//
// # Assertion Types
//
//   - content: a client's lines
//   - converged: all loaded clients hold the same text
//   - state, decryption: a client's final connection or decryption state
//   - error_code: a client recorded an error with the given code
//   - event_count: how many events of a type a client's trace holds
//   - snapshot_count, lineage_valid: what the relay stored
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/converge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
