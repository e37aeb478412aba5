// Package repository keeps local working copies of source repositories in sync
// with their remotes and pushes their branches to mirrors on other platforms.
//
// Working copies are regular (non bare) clones kept at
// `<root>/<platform id>/<owner>/<name>`. The Reconciler only ever
// fast-forwards a working copy. If the local branch can't be fast-forwarded
// the sync fails with gitops.DivergedHistoryError and it needs manual
// intervention.
//
// Fanout adds a `mirror-<platform id>` remote to the source working copy for
// every mirror and pushes configured branches to it. With the `prefer_source`
// conflict strategy pushes are forced so the mirror branch always ends up
// at the source commit.
//
// Callers must make sure that a working copy is not used by more than one
// Reconcile or Fanout at a time.
package repository
