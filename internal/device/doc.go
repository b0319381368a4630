// Package device provides the Device Registry: the gateway's cached view of
// which user owns which device.
//
// The registry sits on the telemetry hot path. Every broker message resolves
// its device's owner here, so lookups are served from an in-memory cache
// split into shards, each behind its own lock.
//
// # Cache policy
//
//   - Found owners are cached for the configured TTL (accounts.cache_ttl).
//   - Unknown devices are negative-cached for accounts.miss_ttl and logged
//     once per window, so a misconfigured device flooding the broker costs
//     one store query and one log line per window.
//   - Concurrent misses for the same id share one store query.
//   - Invalidate drops an entry immediately.
//
// # Liveness
//
// TouchLiveness records "seen now" in memory and queues the device for a
// status write. Run flushes queued marks to the account store on an
// interval, one write per device per interval however many messages arrived.
//
// # Usage
//
//	reg := device.NewRegistry(store, device.Options{CacheTTL: time.Minute})
//	reg.SetLogger(log)
//	go reg.Run(ctx)
//
//	owner, err := reg.ResolveOwner(ctx, "feeder-7")
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // drop
//	}
package device
