/*
Package lattice runs a host of a distributed WebAssembly actor lattice.

A lattice is a set of hosts sharing one message bus. Each host runs actors
(sandboxed WebAssembly modules) and capability providers (native processes
offering a contract such as key-value storage or an HTTP server). Actors
never talk to providers directly: an operator declares a link definition
between an actor and a provider, the host delivers it to the provider once
both sides are running, and every invocation is routed through the host,
which verifies the signed claims of both parties and asks the policy gate
before anything crosses the bus.

# Components

  - pkg/claims: Ed25519 identities and signed JWT manifests.
  - pkg/policy: The policy gate and its decision cache.
  - pkg/registry: Local and remote inventory of actors and providers.
  - pkg/links: The link manager and its binding state machine.
  - pkg/router: Dispatch of invocations to actors and providers.
  - pkg/lattice: The wasmbus subject layout and bus endpoints.
  - pkg/host: The per-host context object wiring everything together.

# Usage

Node assembles a host from a configuration file:

	cfg, err := config.Load("latticed.yaml")
	if err != nil {
		log.Fatal(err)
	}
	node, err := lattice.NewNode(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := node.Run(ctx); err != nil {
		log.Fatal(err)
	}

Embedders that bring their own WebAssembly engine pass it with WithRuntime.
*/
package lattice
