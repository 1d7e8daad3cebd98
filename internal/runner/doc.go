// Package runner implements task submission against a distributed-computing
// cluster. It wraps cluster futures in typed futures, gates execution on
// upstream dependencies, and maps cluster outcomes onto the run state
// lifecycle: an error returned by the task marks the run FAILED with the
// original error retained, while infrastructure-level termination (kill,
// worker panic, cluster shutdown) marks it CRASHED without re-raising the
// low-level cause. Runs whose upstream dependencies never complete finish in
// the NotReady pending variant and are skipped.
package runner
