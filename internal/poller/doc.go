// Package poller runs periodic maintenance jobs for the gatherer.
//
// The Poller:
//   - Runs every registered job once on start, then on each interval tick
//   - Bounds how many jobs run at once and how long each may take
//   - Logs and counts failures without stopping the loop
//
// The service uses it to retry Failed subscriptions and to reconcile the instrument universe.
package poller
