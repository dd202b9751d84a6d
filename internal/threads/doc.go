// Package threads is the persistence facade used by the rest of the bridge.
//
// Every thread carries a storage mode tag ("file" or "database") written when
// the thread is created. The Repository resolves a thread to the store that
// owns it, then routes appends and reads there. Changing the deployment's
// default mode only affects threads created afterwards. Moving file history
// into the database is an explicit copy (Migrate) into a new thread.
//
// Storage errors follow the taxonomy in package store. ErrStorageUnavailable is
// retried with capped exponential backoff; everything else is returned as is.
package threads
