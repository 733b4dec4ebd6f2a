// Package beeps implements the replicated document and sync protocol for
// a stochastic time-tracking tool: unpredictable pings are generated from
// a Poisson process, the user tags what they were doing at each one, and
// any number of devices edit the same document offline.
//
// The document is a small CRDT (a last-writer-wins rate register, a
// grow-only set of ping instants, and a per-ping tag register) ordered
// by a hybrid logical clock. Edits are operations; applying the same set
// of operations on any replica yields the same state, in any order, with
// duplicates.
//
// # Client
//
// A Replica owns the local document, schedules pings, and reconciles
// with the server:
//
//	r, err := beeps.NewReplica(beeps.ReplicaConfig{
//	    StatePath: "~/.beeps/state.json",
//	    Server:    "https://beeps.example.com",
//	    Token:     token,
//	})
//	r.OnPing = func(when time.Time) { notify(when) }
//	err = r.Run(ctx)
//
// # Server
//
// The sync server persists per-document operation logs and serves deltas
// against per-peer watermarks:
//
//	srv, err := beeps.NewServer(beeps.ServerConfig{
//	    Bind:        ":3000",
//	    DatabaseURL: "beeps.db",
//	    JWTSecret:   secret,
//	})
//	err = srv.ListenAndServe(ctx)
package beeps
