// Package mutation is the durable outgoing-mutation queue and its sender.
//
// Local changes are committed to the store and enqueued in the same
// transaction through Queue.Submit. A new change to a record that already
// has a queued, not yet sent event is coalesced into that event:
//
//	existing  new     result
//	create    create  MUTATION_ALREADY_EXISTS
//	create    update  create with the new payload
//	create    delete  event removed, nothing is sent
//	update    create  MUTATION_ALREADY_EXISTS
//	update    update  update with the new payload
//	update    delete  delete with the new payload
//	delete    create  MUTATION_ALREADY_EXISTS
//	delete    update  PENDING_DELETE
//	none      any     appended at the tail
//
// An event already being sent is never coalesced into; the new change is
// appended behind it. One lock serialises every coalescing decision.
//
// The Sender is the single consumer. It delivers events strictly in
// creation order and never holds the queue lock during a network call.
package mutation
