// Package cfw implements a transparent TLS-intercepting inspection proxy.
//
// The proxy sits between clients and origin servers, terminates TLS using
// dynamically generated certificates signed by a local CA, and feeds every
// decrypted buffer through an inspection pipeline. Detections are scored by
// a policy engine that can redact sensitive data in place, block the
// connection, or silently record the event to an append-only threat log.
//
// Basic usage:
//
//	// Load or generate the interception CA
//	cm, err := cfw.EnsureCA("ca.crt", "ca.key", "CFW", 365)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Inspection pipeline over the built-in rule set
//	pipeline := cfw.NewPipeline(cfw.DefaultRules(), nil)
//
//	// Policy engine with the steganography strategy
//	policy := cfw.NewPolicyEngine(cfw.DefaultPolicyConfig(), tlog, alerter)
//
//	// Start relaying
//	relay := cfw.NewRelay(":8080", cm, pipeline, policy)
//	log.Fatal(relay.ListenAndServe())
package cfw
