/*
Package tagscepter provides a Go interface for localizing regressions across release tags by bisection.

An [Engine] orchestrates any number of tasks concurrently. For an engine to work, at least the following fields have to be populated:
  - Tags, the [TagSequence] the tasks search through
  - BuildServices, the [BuildService]-s candidates get dispatched to

After an engine was populated, it has to be started using [Engine.Start].

A task is created with [Engine.CreateTask] from a known-good and a known-bad tag.
Every iteration of the task selects the candidate tag(s) in the middle of the remaining range and dispatches a [BuildJob] for each of them.
Build status reaches the engine either by being pushed through [Engine.Reconcile] and [Engine.ReconcileExternal] or by the [Poller].
A verdict on a finished build job is given using [Engine.SubmitFeedback], or automatically when Config.AutoFeedback is set.
Once no untested tag remains between the boundaries, the task completes and its FinalProblematicTagID holds the first broken tag.

Every committed transition is published as an [Event] on the engine's [Publisher], in commit order per task.
The state of a task can always be rebuilt from its persisted feedback using [Engine.ReplayTask].
*/
package tagscepter
