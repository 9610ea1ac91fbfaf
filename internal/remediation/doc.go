// Package remediation provides the external corrective actions run when a
// remediation-backed problem is resolved.
//
// Every Action takes a context and must give up when it is done. WithTimeout
// enforces the deadline from the caller's side as well, so an action stuck in
// a syscall still produces ErrTimeout on schedule.
//
// Implementations:
//   - Simulated: fixed delay, configurable outcome
//   - HTTPAction: POSTs the target to a deployment webhook
//   - ManifestAction: rolls the image tag in a Deployment manifest
package remediation
