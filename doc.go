// Package molecule is a service mesh for Go processes: *services* expose
// named *actions* and listen to *events*, and a `Broker` routes every call to
// one of the nodes hosting the action, wherever it lives in the mesh.
//
// ## How it works
//
// The first thing to do is to `Create` a `Broker`, register your `Service`s
// and `Broker.Start` it. With a transporter, the broker announces its
// services to the other nodes and learns theirs: every node converges to the
// same catalog of *endpoints* (one per action or event per hosting node).
//
// Calls go through `Broker.Call`. An `EndpointList` picks the endpoint with a
// `Strategy` (round-robin by default, local endpoints first), and the call
// then flows through the resilience middlewares before reaching the handler,
// locally or through `Transit` when the endpoint is remote.
//
// Transporters are pluggable, they live under `pkg/transporter`:
//
// * `local`, an in-process bus, mostly for tests.
// * `gossip`, a [`hashicorp/memberlist`][dep-mbl] cluster, optionally over
// mTLS [QUIC][dep-quic] which also detects crashed peers.
// * `redis` and `mqtt`, relying on a pub/sub broker.
//
// ## Design Principles
//
// > `molecule` is **fault-tolerant**, and **explicit** about failures.
//
// ### Fault-Tolerant
//
// The mesh has no consensus protocol: nodes come and go, and the network
// is not reliable. Every call may fail, so the broker ships with
// middlewares to contain failures:
//
// * `TimeoutMiddleware`, so no caller waits forever.
// * `RetryMiddleware`, with exponential backoff, re-dispatched to any
// endpoint.
// * `BulkheadMiddleware`, which bounds concurrent executions of a handler
// and queues the rest in FIFO order.
// * The circuit breaker, which stops routing to an endpoint failing too
// often and probes it again later.
// * `FallbackMiddleware`, the last resort answer.
//
// ### Explicit
//
// Errors are `*Error` values carrying a name, a code and whether they are
// retryable. They travel unchanged between nodes, so a caller can decide
// what to do with an error raised three hops away. Internal notifications
// (`$circuit-breaker.*`, `$node.*`) are plain events any service can listen
// to.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
package molecule
