// Package health monitors probe targets and turns noisy readings into stable
// up/down state changes.
//
// Every cycle a Monitor opens one session to the target, runs each enabled
// probe with the policy timeout and folds the composite reading into a
// Pulse. The target state flips only after more than the policy threshold of
// identical readings that also span more than one interval. Each flip raises
// the parent's rebuild flag through a RebuildSignaler; raising an already
// pending flag is a no-op, so any number of flips between two rebuilds cost a
// single rebuild.
//
// A Runner keeps one sequential loop per target, so cycles of the same
// target never overlap.
package health
