// Package entity provides addressing for the devices, child devices and
// services managed by the agent.
//
// Every entity is identified by a TopicID made of four ordered segments
// (for example "device/main//" or "device/main/service/collectd"). Empty
// segments mean "not applicable". On the bus an entity is addressed below a
// root prefix and may expose several channels:
//
//	te/device/child1//                      entity metadata (registration)
//	te/device/child1///twin/location        twin fragment "location"
//	te/device/child1///cmd/firmware_update  command metadata
//	te/device/child1///cmd/firmware_update/c8y-123
//	                                        command instance
//	te/device/child1///status/health        health status
//
// The HTTP entity store uses the same identifiers below /v1/entities/,
// see ParsePath.
//
// # Usage
//
//	schema := entity.NewSchema("te")
//	id, ch, err := schema.Parse("te/device/main///cmd/software_list/1")
//	if cmd, ok := ch.(entity.CommandChannel); ok {
//	    fmt.Println(id, cmd.Operation, cmd.CmdID)
//	}
package entity
