// Package mcast coordinates multicast group membership for fabric ports.
//
// Each port has a Coordinator that funnels join and leave requests through a
// FIFO queue so that only one directory operation is in flight per port. Joins
// for a group that is already connected are answered locally from the cached
// membership record, and leaves only reach the directory service when the last
// user of a group goes away.
//
// Callbacks run on whatever goroutine advanced the queue: the caller of Join or
// Leave, or the directory client's completion goroutine. They are never invoked
// with a coordinator lock held, so they may issue further requests.
package mcast
