// Package memory implements a tiered memory engine: a base store plus
// short-term, long-term, episodic, and semantic tiers behind one manager.
//
// Invariants:
// - The base store owns item identity; tiers hold references, never copies.
// - Deleting from the base store severs the item's links in both directions.
// - Consolidation promotes short-term items by importance, access count, or age.
// - Maintenance sweeps never update access bookkeeping.
// - Missing items are reported as absence, not as errors.
//
// Usage:
//
//	mgr, _ := memory.NewManager(memory.Config{DataDir: "/data/memory"})
//	defer mgr.Close()
//	id, _ := mgr.Add(ctx, memory.AddParams{Content: "user prefers dark mode", MemoryType: "fact", Importance: 0.8})
//	item, _ := mgr.Get(ctx, id)
//	_ = item
package memory
