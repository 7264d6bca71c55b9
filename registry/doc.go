// Package registry tracks the chat streams that are currently in flight so
// that a stop request arriving on another connection can cancel them.
//
// At most one stream may be active per session. Every registration carries a
// token, and only the holder of that token can unregister the entry, which
// keeps a late cleanup from removing a newer stream of the same session.
package registry
