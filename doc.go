// Package tagbus provides a tagged publish/subscribe bus for decoupled game
// systems. Publishers address envelopes by hierarchical dot-delimited tag
// ("settings.audio.volume") instead of by reference to a receiver.
//
// Two delivery scopes exist:
//
//   - Local: delivered synchronously to the listeners of one local session
//     (one per split-screen player or local actor), never leaving the process.
//   - Global: validated by the authoritative peer (host or standalone),
//     recorded in a bounded history, delivered to the process-wide listeners
//     and transported to every connected peer. Late joiners receive a replay
//     of the history, oldest first.
//
// Basic example:
//
//	network := loopback.NewNetwork()
//	endpoint := network.Join("host")
//	network.SetAuthority("host")
//
//	bus, err := tagbus.New("game",
//	    tagbus.WithTransport(endpoint),
//	    tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleHost)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close(ctx)
//
//	hud := tagbus.NewListener(func(ctx context.Context, env tagbus.Envelope, isGlobal bool) {
//	    fmt.Println("boss down:", env.Get("boss", "?"))
//	})
//	bus.Subscribe(ctx, hud, tagbus.GlobalOnly("gameplay"))
//
//	bus.PublishGlobal(ctx, tagbus.NewEnvelope("gameplay.bosskilled", tagbus.ScopeGlobal).
//	    WithParameter("boss", "dragon"))
//
// Listeners are never owned by the bus. A registry holds a SubscriberRef and
// drops it on the next dispatch once Alive reports false, so closing a
// Listener is enough to detach it.
//
// Options:
//   - WithTransport: peer transport (loopback, ws, nats, redis). Without one
//     the process can only act as a standalone authority.
//   - WithRoleProvider: current process role, re-evaluated on every call.
//   - WithSessionResolver: maps a context to the local session.
//   - WithHistory: enable/disable history replay and set its capacity.
//   - WithValidationPolicy: Permissive, Balanced (default) or Strict.
//   - WithRequestRateLimit: per-peer limit on forwarded Global requests.
//   - WithMetrics / WithTracing: OpenTelemetry instrumentation. Default is true.
//   - WithLogger: set logger for the bus.
//   - WithConfig: apply a Config loaded from the environment or YAML.
package tagbus
