// Package kolabd runs the task coordination server used by managers and
// employees: a UDP gateway for logins and quick queries and a TCP session
// server for assignments, priority changes and progress updates. Every
// mutation is persisted as a single JSON snapshot through a pluggable
// storage backend (disk, memory, S3-compatible, AWS S3 or Azure Blob).
//
// # Running a server
//
//	cfg := kolabd.Config{
//	    Bind:    "0.0.0.0",
//	    UDPPort: 50032,
//	    TCPPort: 50005,
//	    Store:   "disk:///var/lib/kolabd/data",
//	}
//	srv, err := kolabd.NewServer(cfg, kolabd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("kolabd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer combines the two steps and waits until both sockets are bound.
//
// # Protocol
//
// A client sends MENADZER:<user> or ZAPOSLENI:<user> over UDP and receives
// TCP:<port>. It then connects over TCP, identifies with the same line and
// receives ID_OK. Managers send SEND:<json task> and <task>:<priority>;
// employees send LIST, TAKE:<task> and DONE:<task>|<comment> or the JSON
// envelopes {"type":"employee_list"} and {"type":"employee_action",...}.
// Managers may also query SVI:<manager> and PRIORITY:<manager>:<task>:<n>
// over UDP. The client package implements both sides.
//
// # Storage
//
// Config.Store selects the backend: mem://, disk:///path,
// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix]?region=... or
// azure://account/container[/prefix]. Object stores are retried on transient
// errors. The snapshot is written atomically after each mutation; a missing
// or unreadable snapshot starts the server empty.
//
// # Telemetry
//
// MetricsListen exposes Prometheus metrics, OTLPEndpoint exports traces
// (grpc://, grpcs://, http:// or https://) and PprofListen serves
// net/http/pprof.
package kolabd
