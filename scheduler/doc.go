// Package scheduler plans the ordered sequence of agent turns for one chat
// request. A plan starts at the topology entry (or an explicit target), grows
// by accepted handoffs along topology edges, and is capped to guarantee
// termination.
package scheduler
