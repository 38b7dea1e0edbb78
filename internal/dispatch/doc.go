// Package dispatch keeps exactly one live cron timer per enabled schedule
// row and executes deliveries when timers fire.
//
// The live timer set is always a pure function of the enabled schedule rows:
// LoadAll/LoadForUser/Upsert/Remove reconcile it, and nothing else creates or
// destroys timers. A fire cycle resolves the target, checks the session, and
// sends; every failure inside a cycle is contained and logged, never thrown
// past the cycle boundary.
package dispatch
