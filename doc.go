// Package mailvault provides multi-tenant email persistence with a
// managed lifecycle: durable intake of raw messages, background parsing,
// tenant-scoped access and automatic expiry of temporary mailboxes.
//
// # Architecture
//
// Three backends cooperate, each behind its own interface:
//
//   - A relational store (store.Store) holds users, mailboxes, email rows
//     and email metadata. It is the source of truth for existence and the
//     arbiter of all concurrency: unique constraints resolve racing
//     creates, transactions bind email and metadata rows together.
//   - A blob store (blob.Store) holds raw message bytes and extracted
//     attachments under caller-chosen keys.
//   - A durable job queue (queue.Queue) carries background work: parsing
//     stored messages, outbound delivery, temp mailbox cleanup.
//
// The write protocol for intake is blob first, row second. A crash
// between the two leaves an orphaned blob, which wastes storage but
// corrupts nothing; the reverse order could leave a committed row
// pointing at bytes that were never written.
//
// # Tenancy
//
// Service.Client(userID) returns a client bounded to one user's ownership
// chain (email -> mailbox -> user). Rows outside that chain read as
// ErrNotFound, indistinguishable from rows that do not exist, so tenants
// cannot probe for each other's data.
//
// # Usage
//
//	svc, err := mailvault.NewService(
//	    mailvault.WithStore(pgStore),
//	    mailvault.WithBlobStore(s3Blobs),
//	    mailvault.WithQueue(pgQueue),
//	    mailvault.WithDomain("example.com"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	pool := queue.NewPool(pgQueue)
//	svc.RegisterHandlers(pool)
//	go pool.Run(ctx)
//
//	id, err := svc.StoreInbound(ctx, mailvault.InboundEmail{
//	    From: "alice@elsewhere.org",
//	    To:   "bob@example.com",
//	    Raw:  rawBytes,
//	})
package mailvault
