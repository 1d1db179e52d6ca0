// Package runner provides engine.PipelineRunner implementations.
//
// Every runner executes the same rendered script (see RenderScript): the
// entry's environment is exported, its shell actions run in order, then
// the pipeline script. The first failing command ends the job.
//
//   - LocalRunner runs on this machine via "sh -c" and keeps caches under a
//     local cache root.
//   - SSHRunner uploads the script to a build host over sftp and runs it
//     there; caches stay on the remote host.
//   - DryRunner only renders the script.
package runner
