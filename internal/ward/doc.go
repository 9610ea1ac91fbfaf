// Package ward holds the ward data model (patients, problems, caregivers) and
// the Store that is the source of truth for which patients and problems exist.
//
// The store knows nothing about assignments or sessions. The coordinator
// package writes status and lock fields back through Store.UpdateProblem and
// keeps assignments in its own ledger.
//
// Seed data is loaded from YAML:
//
//	patients:
//	  - id: "1"
//	    name: Claude Argo
//	    problems:
//	      - id: argoPb
//	        description: Bandage soiled
//	        kind: remediation
//	        status: critical
//	        target: demo-app
package ward
