// Package device holds the feeder device model and the client's live view of it.
//
// # Components
//
//   - Device, WifiConfig, Telemetry: the persisted record and the feeder's reports
//   - SQLiteRepository: typed store access; every committed write is announced
//     on the change feed keyed by owner and by device ID
//   - StateCache: the one snapshot of the signed-in owner's device, refreshed
//     from the change feed by whole-row replacement
//   - IsOnline: online derivation from a snapshot and StalenessThreshold
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB, bus, policy)
//	cache := device.NewStateCache(repo)
//	cache.SetLogger(log)
//
//	cache.Subscribe(ctx, principal.ID)
//	if d := cache.Current(); device.IsOnline(d, time.Now()) {
//	    // ...
//	}
//
// # Provisioning
//
// An owner with no device gets one on first subscription: status offline,
// hotspot enabled, hotspot name HotspotPrefix plus the first five characters
// of the owner ID, and a random HotspotPasswordLength character password. If
// the insert fails the synthesised device is still used so the UI does not
// wait on provisioning.
package device
