// Package registry implements the entity registry: the single source of
// truth mapping entity topic ids to their metadata, parent relationships
// and twin data.
//
// The registry is an actor. Run owns the entity map and serves requests
// posted by the public methods, one at a time, so no lock protects the
// map. Every successful mutation is written through a Repository before
// it becomes visible, then reported to a Notifier so the agent can
// republish it on the bus.
//
// # Usage
//
//	reg := registry.New(registry.NewSQLiteRepository(db.DB), "edge01")
//	reg.SetLogger(log)
//	go reg.Run(ctx)
//
//	ids, err := reg.Create(ctx, entity.Registration{TopicID: entity.DeviceTopicID("child1")})
package registry
