// Package coordinator implements the coordinator side of loadgen: admitting
// worker connections, keeping exactly one live transport per worker identity,
// probing those transports for liveness, and reacting to worker messages.
//
// # Overview
//
// Workers attach over GET /attach/{identity} and keep that upgraded
// connection for as long as they can. The coordinator's state is held in
// memory only; after a coordinator restart every worker simply attaches
// again, reports its identity and either need_work or its current job
// status, and the registry is rebuilt from those announcements.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  HTTP /attach/{identity}                 │
//	│        │ transport.Accept                │
//	│        ▼                                 │
//	│  ┌────────────────────────────────────┐  │
//	│  │ Registry                           │  │
//	│  │  identity → Record{conn, times,    │  │
//	│  │             facts, last status}    │  │
//	│  │  one reader goroutine per conn     │  │
//	│  └──────┬──────────────────▲──────────┘  │
//	│         │ callbacks        │ Send/Probe  │
//	│  ┌──────▼───────┐   ┌──────┴──────────┐  │
//	│  │ Dispatcher   │   │ HealthMonitor   │  │
//	│  │ need_work →  │   │ every interval: │  │
//	│  │   schedule   │   │  ping or kill   │  │
//	│  │ completed →  │   └─────────────────┘  │
//	│  │   discard    │                        │
//	│  └──────────────┘                        │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// Registry: identity → Record
//   - Creates a Record on the first attach of an identity
//   - Supersedes a live transport when the same identity attaches again,
//     detaching and destroying the old one (split-brain protection after a
//     partition)
//   - Sends hello on every installed transport and treats the first hello
//     reply as handshake completion; repeated replies are ignored
//   - Clears the transport on end-of-stream but never deletes the Record
//
// HealthMonitor: the coordinator end of the liveness contract
//   - Every interval, counts one silent interval per transport and sends a
//     ping, or destroys the transport once MaxMissed intervals passed
//     without a ping from the worker
//
// Dispatcher: optional automatic job flow
//   - need_work → schedule the configured job template
//   - completed status → discard, so the worker asks again
//
// # Callback Ordering
//
// The registration callback fires after the frame that completed the
// handshake has been fully recorded, outside the registry lock. Message
// callbacks likewise run outside the lock so they may call Send.
//
// # Thread Safety
//
// Registry methods are safe for concurrent use. HTTP handlers, per-transport
// reader goroutines and the HealthMonitor all share one Registry.
package coordinator
